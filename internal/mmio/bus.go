package mmio

import (
	"fmt"
	"sync"

	"github.com/tinyrange/virtiomm/internal/fdt"
	"github.com/tinyrange/virtiomm/internal/hv"
)

// FDTMaxSize reserves room for the device-tree fragment at the start of
// the RSLD shared-memory arena, before the first device's shadow header.
const FDTMaxSize = 0x10000

// Bus is the owned collection of attached devices, iterated at
// finalize time by the device-tree emitter and stats dumper rather than
// held in a process-global mutable. It also owns the monotonic
// window-base and RSLD shared-memory bump allocators, playing the role
// virtio_mmio_get_io_space_block / virtio_mmio_get_shm_space_block play
// for a C-style monitor.
type Bus struct {
	mu sync.Mutex

	nextWindow uint64
	windowStep uint64

	shadow        hv.MemoryRegion
	shadowPhys    uint64
	nextShadowOff uint64

	devices []*Device
}

// BusConfig configures a Bus's address allocators.
type BusConfig struct {
	WindowBase uint64 // first device's window_base
	WindowStep uint64 // spacing between successive windows; must be >= windowSize (invariant 1)

	// Shadow enables RSLD allocation for every device subsequently
	// attached with rsld set. PhysBase is hvl_shmem_phys_addr.
	Shadow   hv.MemoryRegion
	PhysBase uint64
}

// NewBus creates a Bus. WindowStep defaults to windowSize (0x200) if zero.
func NewBus(cfg BusConfig) *Bus {
	step := cfg.WindowStep
	if step == 0 {
		step = windowSize
	}
	b := &Bus{
		nextWindow:    cfg.WindowBase,
		windowStep:    step,
		shadow:        cfg.Shadow,
		shadowPhys:    cfg.PhysBase,
		nextShadowOff: FDTMaxSize,
	}
	return b
}

// allocateWindow hands out the next non-overlapping window_base,
// maintaining invariant 1 (window_base_i + 0x200 <= window_base_{i+1}).
func (b *Bus) allocateWindow() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr := b.nextWindow
	b.nextWindow += b.windowStep
	return addr
}

// allocateShadowOffset returns the offset of a new block for a device's
// shadow header + config window + private arena, advancing the bump
// allocator by regConfig+memSize bytes (at least windowSize).
func (b *Bus) allocateShadowOffset(memSize uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shadow == nil {
		return 0, fmt.Errorf("mmio: bus has no RSLD shared-memory region configured")
	}
	off := b.nextShadowOff
	total := regConfig + memSize
	if total < windowSize {
		total = windowSize
	}
	b.nextShadowOff += total
	return off, nil
}

// Attach registers dev with the bus, allocating a window and calling
// dev.Init. If rsld is true, it also allocates a shared-memory block and
// enables the RSLD shadow header for dev. The resulting Adapter is
// registered with vm as its MMIO window; any failure after dev.Init rolls
// the device back via dev.Exit before returning.
func (b *Bus) Attach(vm hv.VirtualMachine, dev *Device, hvlIRQ uint32, rsld bool) (*Adapter, error) {
	base := b.allocateWindow()
	if err := dev.Init(vm, base); err != nil {
		return nil, err
	}

	if rsld {
		memSize := dev.ops.GetMemSize()
		off, err := b.allocateShadowOffset(memSize)
		if err != nil {
			_ = dev.Exit()
			return nil, newError(KindResource, dev.cfg.Name, "attach", err)
		}
		if err := dev.EnableRSLD(RSLDConfig{
			Shadow:   b.shadow,
			Offset:   off,
			PhysBase: b.shadowPhys,
			HvlIRQ:   hvlIRQ,
		}); err != nil {
			_ = dev.Exit()
			return nil, newError(KindResource, dev.cfg.Name, "attach", err)
		}
	}

	adapter := &Adapter{dev: dev}
	if err := vm.AddDevice(adapter); err != nil {
		_ = dev.Exit()
		return nil, newError(KindResource, dev.cfg.Name, "attach", fmt.Errorf("register mmio window: %w", err))
	}

	b.mu.Lock()
	b.devices = append(b.devices, dev)
	b.mu.Unlock()

	return adapter, nil
}

// DeviceTreeFragment emits one `virtio,mmio` node per attached device,
// in attach order.
func (b *Bus) DeviceTreeFragment(irqProp IRQPropertyFunc) []fdt.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	nodes := make([]fdt.Node, 0, len(b.devices))
	for _, d := range b.devices {
		nodes = append(nodes, d.DeviceTreeNode(irqProp))
	}
	return nodes
}

// Devices returns the attached devices in attach order.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// Adapter implements hv.MemoryMappedIODevice by translating an absolute
// guest-physical address into the window-relative offset Device expects,
// mirroring internal/devices/virtio/device_base.go's MMIODeviceBase.
type Adapter struct {
	dev *Device
}

var (
	_ hv.Device               = (*Adapter)(nil)
	_ hv.MemoryMappedIODevice = (*Adapter)(nil)
)

// Init implements hv.Device. The window is already allocated by Bus.Attach,
// so this is a no-op kept only to satisfy the interface.
func (a *Adapter) Init(vm hv.VirtualMachine) error { return nil }

func (a *Adapter) MMIORegions() []hv.MMIORegion { return a.dev.MMIORegions() }

func (a *Adapter) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return a.dev.ReadMMIO(ctx, addr-a.dev.WindowBase(), data)
}

func (a *Adapter) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return a.dev.WriteMMIO(ctx, addr-a.dev.WindowBase(), data)
}

// Device returns the underlying transport device.
func (a *Adapter) Device() *Device { return a.dev }
