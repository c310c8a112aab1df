package hv

import "fmt"

// MSIMessage is the (address, data) pair that identifies a message-signaled
// interrupt, independent of the bus (MMIO here, PCI in
// internal/devices/virtio/pci.go) that negotiated it.
type MSIMessage struct {
	AddrLo uint32
	AddrHi uint32
	Data   uint32
}

// IOEventParams describes an ioeventfd registration: a guest write of
// Length bytes to Addr, optionally gated by a 32-bit datamatch value.
type IOEventParams struct {
	Addr         uint64
	Length       uint32
	Datamatch    uint32
	HasDatamatch bool
}

// IOEventHandle is returned by RegisterIOEvent and passed back to
// UnregisterIOEvent to tear the binding down.
type IOEventHandle interface {
	// FD returns the underlying eventfd, for dispatchers that poll it
	// directly instead of relying on a kernel fast path.
	FD() int
}

// InterruptTransport is the subset of the VM Interface that
// the virtio-MMIO transport core needs beyond MemoryMappedIODevice and
// SetIRQ: MSI injection, ioeventfd registration, GSI routing and IRQ line
// allocation. A VirtualMachine implementation that also wants to host
// virtio-MMIO devices implements this alongside VirtualMachine.
//
// Grounded on internal/devices/virtio/pci.go's msiCapableVM interface
// (SignalMSI) and internal/hv/kvm/kvm_gsi.go's GSI routing table, widened
// from a single hypervisor's ioctls into a backend-agnostic contract.
type InterruptTransport interface {
	// AllocateIRQLine reserves a legacy IRQ line from the shared pool.
	AllocateIRQLine() (uint32, error)

	// RegisterIOEvent installs a fast-path ioeventfd binding and returns a
	// handle; guest writes matching params are consumed by the kernel and
	// never reach ReadMMIO/WriteMMIO.
	RegisterIOEvent(params IOEventParams) (IOEventHandle, error)
	UnregisterIOEvent(handle IOEventHandle) error

	// SignalMSI injects an MSI message directly, bypassing GSI routing.
	// Used when the device advertises SIGNAL_MSI.
	SignalMSI(msg MSIMessage) error

	// AddMSIXRoute installs a new GSI route for msg and returns its GSI.
	// UpdateMSIXRoute repoints an existing GSI at a new message. Both
	// return ErrNoRoutingNeeded when the backend delivers MSI directly
	// and routing would be redundant.
	AddMSIXRoute(msg MSIMessage, devID string) (gsi uint32, err error)
	UpdateMSIXRoute(gsi uint32, msg MSIMessage) error
}

// ErrNoRoutingNeeded signals that the backend injects MSI directly and a
// GSI route would be redundant; callers fall back to the direct-injection
// fast path.
var ErrNoRoutingNeeded = fmt.Errorf("hv: no GSI routing needed, use direct MSI injection")
