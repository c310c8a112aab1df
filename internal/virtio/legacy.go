package virtio

// LegacyQueueLayout computes the descriptor table, available ring and used
// ring addresses for a legacy (virtio-mmio v1) split virtqueue given its
// physical frame number, the guest page size, its negotiated size and its
// requested alignment — the layout every legacy transport's QUEUE_PFN
// write implies. Grounded on the virtqueue layout described by the
// original virtio 1.0 legacy interface (used pointer is align_up(avail
// end, align)).
func LegacyQueueLayout(pfn, pageSize, align, qsize uint32) (descAddr, availAddr, usedAddr uint64) {
	if pageSize == 0 {
		pageSize = 4096
	}
	if align == 0 {
		align = 4096
	}
	if qsize == 0 {
		qsize = 1
	}
	descAddr = uint64(pfn) * uint64(pageSize)
	availAddr = descAddr + 16*uint64(qsize)
	usedUnaligned := availAddr + 4 + 2*uint64(qsize) + 2
	usedAddr = alignUp64(usedUnaligned, uint64(align))
	return
}

func alignUp64(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + (align - rem)
	}
	return v
}
