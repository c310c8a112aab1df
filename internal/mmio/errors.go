package mmio

import "fmt"

// Kind classifies a transport error into one of the four categories this
// transport produces: Resource, Protocol, Fatal, Transient.
type Kind int

const (
	// KindResource covers MMIO region occupied, out of IRQ lines, eventfd
	// creation failed. Propagated to the caller of Init; partial state is
	// rolled back.
	KindResource Kind = iota + 1

	// KindProtocol covers guest misbehavior: write to a read-only
	// register, out-of-range queue selection, feature bit not offered.
	// Policy is to silently ignore these at the call site; KindProtocol
	// errors are returned only from internal helpers that callers choose
	// to log, never surfaced to the guest.
	KindProtocol

	// KindFatal covers an MSI route that could not be installed after MSI
	// was advertised, or the MMIO fast path failing to bind. The guest has
	// already been told the capability exists and there is no safe
	// downgrade.
	KindFatal

	// KindTransient covers a retryable host operation (EINTR-equivalent).
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// TransportError is the error type produced by this package's public
// operations. Use errors.As to recover the Kind.
type TransportError struct {
	Kind   Kind
	Device string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("virtio-mmio: %s: %s (%s): %v", e.Device, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("virtio-mmio: %s: %s (%s)", e.Device, e.Op, e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newError(kind Kind, device, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Device: device, Op: op, Err: err}
}
