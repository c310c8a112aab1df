package virtio

import "fmt"

// Descriptor flags (virtio spec, struct virtq_desc.flags).
const (
	virtqDescFNext  = 1 << 0 // descriptor continues via Next
	virtqDescFWrite = 1 << 1 // device writes, instead of reads, this buffer
)

// guestOffset validates that [addr, addr+length) fits in a non-negative
// io.ReaderAt/io.WriterAt offset range before it is handed to GuestMemory.
func guestOffset(addr uint64, length int) (int64, error) {
	if addr > uint64(1)<<62 {
		return 0, fmt.Errorf("virtio: guest address 0x%x out of range", addr)
	}
	return int64(addr), nil
}
