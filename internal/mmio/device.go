package mmio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/virtiomm/internal/hv"
)

// Config is the fixed, per-device configuration supplied at construction
// time (mirrors internal/devices/virtio/device_base.go's MMIODeviceConfig,
// trimmed to the legacy-transport fields a virtio-MMIO v1 device needs).
type Config struct {
	Name     string
	DeviceID uint32
	VendorID uint32

	// Features is the device's native 64-bit feature set, windowed into
	// two 32-bit selectors by the negotiator. Bit 39
	// (MMIO_NOTIFICATION) and bit 40 (MMIO_MSI) are transport features
	// added automatically; callers should not set them here.
	Features uint64

	QueueCount int

	// MSISharing latches the msi_state.MSI_SHARING bit at init, selecting
	// MAP_CONFIG/MAP_QUEUE-driven vector assignment instead of the fixed
	// vector-0-is-config / vector-k-is-queue-(k-1) layout.
	MSISharing bool

	// SignalMSI, if true, sets the SIGNAL_MSI transport capability bit:
	// the VM interface injects MSI directly rather than routing it
	// through a GSI.
	SignalMSI bool

	Logger *slog.Logger
}

// queueState is the per-queue lifecycle state: absent ->
// sized -> armed -> running -> torn-down. The ring geometry itself is owned
// by the backend's *virtio.VirtQueue (DeviceOps.GetVQ); this struct carries
// only the transport-level bookkeeping the backend doesn't: PFN, the
// negotiated alignment, and the ioeventfd registered for QUEUE_NOTIFY.
type queueState struct {
	size      uint32
	align     uint32
	pfn       uint32
	ioevent   hv.IOEventHandle
	notifyOff uint64 // absolute guest-physical address of this queue's notify register
}

func (q *queueState) running() bool { return q.pfn != 0 }

// Device is one virtio-MMIO device instance: the transport orchestrator
// (C9), register decoder (C6) and feature negotiator (C3) state combined,
// matching MmioDevice.
type Device struct {
	cfg  Config
	ops  DeviceOps
	vm   hv.VirtualMachine
	log  *slog.Logger
	stat stats

	windowBase uint64
	irqLine    uint32

	mu sync.Mutex // guards everything below

	hostFeatures  [2]uint32
	guestFeatures [2]uint32
	featuresSel   uint32 // last HOST_FEATURES_SEL; selects the HOST_FEATURES read word
	guestFeatSel  uint32

	guestPageSize uint32
	queueSel      uint32

	queues []queueState

	status uint32

	interruptState uint32

	notifyOffset uint32 // MSI_DATA+4 if MMIO_NOTIFICATION is offered (set in New), else 0; used only once the guest accepts it

	msi msiTable

	endianLittle bool // sampled at STATUS:=0

	rsld *rsldState // non-nil when RSLD mode is enabled for this device

	closed bool
}

// New constructs a Device. The device is not yet wired to a VM; call Init.
func New(cfg Config, ops DeviceOps) *Device {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Device{
		cfg: cfg,
		ops: ops,
		log: cfg.Logger.With("device", cfg.Name),
	}
	d.queues = make([]queueState, cfg.QueueCount)
	d.msi.init(cfg.QueueCount, cfg.MSISharing)
	d.applyHostFeatures()
	if d.notificationExtensionEligible() {
		d.notifyOffset = regMSIData + 4
	}
	return d
}

func (d *Device) applyHostFeatures() {
	f := d.cfg.Features
	d.hostFeatures[0] = uint32(f)
	d.hostFeatures[1] = uint32(f >> 32)

	if d.notificationExtensionEligible() {
		d.hostFeatures[1] |= 1 << (featMMIONotificationBit - 32)
	}
	// MMIO_MSI is always offered; the guest may choose not to use it.
	d.hostFeatures[1] |= 1 << (featMMIOMSIBit - 32)
}

// notificationExtensionEligible implements room check:
// queue_count * 4 <= CONFIG - (MSI_DATA+4).
func (d *Device) notificationExtensionEligible() bool {
	notifyAreaStart := uint64(regMSIData + 4)
	available := uint64(regConfig) - notifyAreaStart
	needed := uint64(d.cfg.QueueCount) * 4
	return needed <= available
}

// Init records vm and windowBase and allocates a legacy IRQ line from the
// VM interface. It does not register the MMIO window with the VM (Bus.Attach
// does that after Init); transport features are already set up by New.
// A failed IRQ allocation returns a KindResource error.
func (d *Device) Init(vm hv.VirtualMachine, windowBase uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.vm = vm
	d.windowBase = windowBase

	irq, err := d.allocateIRQ(vm)
	if err != nil {
		return newError(KindResource, d.cfg.Name, "init", fmt.Errorf("allocate irq: %w", err))
	}
	d.irqLine = irq

	d.log.Info("virtio-mmio device initialized",
		slog.Uint64("window_base", d.windowBase),
		slog.Uint64("irq_line", uint64(d.irqLine)),
		slog.Int("queues", len(d.queues)))

	return nil
}

func (d *Device) allocateIRQ(vm hv.VirtualMachine) (uint32, error) {
	if it, ok := vm.(hv.InterruptTransport); ok {
		return it.AllocateIRQLine()
	}
	return 0, fmt.Errorf("virtual machine does not implement hv.InterruptTransport")
}

// Reset tears down every queue and clears MSI_ENABLED.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Device) resetLocked() {
	for vq := range d.queues {
		d.tearDownQueueLocked(uint32(vq))
	}
	d.msi.reset()
	d.status = 0
	d.interruptState = 0
	d.guestFeatures = [2]uint32{}
	d.ops.NotifyStatus(0)
}

// Exit resets the device and marks it closed; later calls return nil and do
// nothing. It does not deregister the MMIO window from the VM.
func (d *Device) Exit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.resetLocked()
	d.closed = true
	return nil
}

// WindowBase returns the device's guest-physical register window address.
func (d *Device) WindowBase() uint64 { return d.windowBase }

// IRQLine returns the legacy IRQ line allocated to this device.
func (d *Device) IRQLine() uint32 { return d.irqLine }

// Stats returns a point-in-time snapshot of the device's counters.
func (d *Device) Stats() StatSnapshot { return d.stat.Snapshot() }

// MMIORegions reports the device's single 512-byte register window, for
// callers implementing hv.MemoryMappedIODevice (see Adapter in bus.go).
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.windowBase, Size: windowSize}}
}
