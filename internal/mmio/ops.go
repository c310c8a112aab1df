package mmio

import "github.com/tinyrange/virtiomm/internal/virtio"

// DeviceOps is the "virtio_device ops" contract: the transport calls into
// a concrete device back-end (block, net, console, vsock, ...) only
// through this interface. Concrete back-ends are out of scope for this
// module; only the contract is defined here, mirroring
// internal/devices/virtio/device.go's VirtioDevice interface but widened
// to the legacy-MMIO operation set a virtio-MMIO v1 transport exposes.
type DeviceOps interface {
	// GetHostFeatures returns the device's native 64-bit feature set,
	// windowed in 32-bit halves by the caller.
	GetHostFeatures() uint64
	// SetGuestFeatures is called after every GUEST_FEATURES write, with
	// the full negotiated 64-bit set accepted so far (accept-only-if-
	// offered applied per word).
	SetGuestFeatures(features uint64)

	// GetConfig returns the device-specific configuration space, read by
	// the byte-granular config window and, in RSLD mode,
	// copied into the shadow header's config area at init.
	GetConfig() []byte
	// SetConfig writes back a byte of device-specific configuration.
	SetConfig(offset int, value byte)
	// GetConfigSize reports the size of the configuration space (RSLD).
	GetConfigSize() uint32

	// GetMemSize reports the size of any private shared-memory arena the
	// backend needs carved out of the RSLD shared-memory region (RSLD).
	GetMemSize() uint64

	// GetVQCount reports how many virtqueues this device exposes.
	GetVQCount() uint32
	// GetVQ returns the queue object for index vq, or nil if vq is
	// out of range.
	GetVQ(vq uint32) *virtio.VirtQueue
	// GetSizeVQ / SetSizeVQ report and set vq's negotiated size.
	GetSizeVQ(vq uint32) uint32
	SetSizeVQ(vq uint32, size uint32)

	// InitVQ is called when QUEUE_PFN arms queue vq: page_size is the
	// guest page size (GUEST_PAGE_SIZE), align is QUEUE_ALIGN, pfn is the
	// physical frame number of the descriptor table.
	InitVQ(vq uint32, pageSize, align, pfn uint32) error
	// NotifyVQ is called when a QUEUE_NOTIFY write reaches user space
	// (the ioeventfd fast path was not installed or was bypassed).
	NotifyVQ(vq uint32)
	// NotifyVQEventFD lets vhost-accelerated backends (vsock, net) bind
	// their own notifier to the queue's ioeventfd instead of relying on
	// NotifyVQ.
	NotifyVQEventFD(vq uint32, fd int)
	// NotifyVQGSI informs the backend which GSI a queue's vector routes
	// through, for backends that inject interrupts themselves.
	NotifyVQGSI(vq uint32, gsi uint32)

	// NotifyStatus is called whenever STATUS changes.
	NotifyStatus(status uint32)

	// ExitVQ tears down queue vq (QUEUE_PFN written back to zero, or
	// reset()).
	ExitVQ(vq uint32)
}
