package mmio

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/virtiomm/internal/hv"
	"github.com/tinyrange/virtiomm/internal/virtio"
)

// testMemory is a flat byte-slice-backed io.ReaderAt/io.WriterAt, standing
// in for guest physical memory and, separately, the RSLD shared-memory
// region. Grounded on internal/devices/virtio/queue_test.go's
// mockGuestMemory, widened from a sparse map to a flat buffer since this
// module needs contiguous ranges for ring layout math.
type testMemory struct {
	mu   sync.Mutex
	data []byte
}

func newTestMemory(size int) *testMemory {
	return &testMemory{data: make([]byte, size)}
}

func (m *testMemory) grow(n int) {
	if n > len(m.data) {
		buf := make([]byte, n)
		copy(buf, m.data)
		m.data = buf
	}
}

func (m *testMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(int(off) + len(p))
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *testMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grow(int(off) + len(p))
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *testMemory) Size() uint64 { return uint64(len(m.data)) }

// testIOEventHandle is the fake hv.IOEventHandle RegisterIOEvent hands back.
type testIOEventHandle struct{ fd int }

func (h *testIOEventHandle) FD() int { return h.fd }

// testVM is a minimal hv.VirtualMachine + hv.InterruptTransport fake.
type testVM struct {
	testMemory

	mu sync.Mutex

	irqLines   []bool // index = irq line, value = asserted
	nextIRQ    uint32
	ioevents   []hv.IOEventParams
	msiSignals []hv.MSIMessage
	routes     map[uint32]hv.MSIMessage
	nextGSI    uint32
	noRouting  bool // if true, AddMSIXRoute returns ErrNoRoutingNeeded

	failAddDevice bool // if true, AddDevice returns an error
	addedDevices  []hv.Device
}

func newTestVM() *testVM {
	return &testVM{
		testMemory: testMemory{data: make([]byte, 1<<20)},
		irqLines:   make([]bool, 64),
		routes:     make(map[uint32]hv.MSIMessage),
		nextGSI:    100,
	}
}

func (vm *testVM) Hypervisor() hv.Hypervisor     { return nil }
func (vm *testVM) MemorySize() uint64            { return vm.testMemory.Size() }
func (vm *testVM) MemoryBase() uint64            { return 0 }
func (vm *testVM) Run(ctx context.Context, cfg hv.RunConfig) error { return nil }
func (vm *testVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error { return nil }
func (vm *testVM) AddDevice(dev hv.Device) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.failAddDevice {
		return fmt.Errorf("add device refused")
	}
	vm.addedDevices = append(vm.addedDevices, dev)
	return nil
}
func (vm *testVM) AddDeviceFromTemplate(t hv.DeviceTemplate) error { return nil }
func (vm *testVM) CaptureSnapshot() (hv.Snapshot, error)           { return nil, nil }
func (vm *testVM) RestoreSnapshot(snap hv.Snapshot) error          { return nil }
func (vm *testVM) Close() error                                    { return nil }

func (vm *testVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return newTestMemory(int(size)), nil
}

func (vm *testVM) SetIRQ(irqLine uint32, level bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for uint32(len(vm.irqLines)) <= irqLine {
		vm.irqLines = append(vm.irqLines, false)
	}
	vm.irqLines[irqLine] = level
	return nil
}

func (vm *testVM) irqAsserted(line uint32) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return int(line) < len(vm.irqLines) && vm.irqLines[line]
}

func (vm *testVM) AllocateIRQLine() (uint32, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.nextIRQ++
	return vm.nextIRQ, nil
}

func (vm *testVM) RegisterIOEvent(params hv.IOEventParams) (hv.IOEventHandle, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.ioevents = append(vm.ioevents, params)
	return &testIOEventHandle{fd: len(vm.ioevents)}, nil
}

func (vm *testVM) UnregisterIOEvent(handle hv.IOEventHandle) error { return nil }

func (vm *testVM) SignalMSI(msg hv.MSIMessage) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.msiSignals = append(vm.msiSignals, msg)
	return nil
}

func (vm *testVM) AddMSIXRoute(msg hv.MSIMessage, devID string) (uint32, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.noRouting {
		return 0, hv.ErrNoRoutingNeeded
	}
	vm.nextGSI++
	vm.routes[vm.nextGSI] = msg
	return vm.nextGSI, nil
}

func (vm *testVM) UpdateMSIXRoute(gsi uint32, msg hv.MSIMessage) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.routes[gsi]; !ok {
		return fmt.Errorf("unknown gsi %d", gsi)
	}
	vm.routes[gsi] = msg
	return nil
}

var (
	_ hv.VirtualMachine    = (*testVM)(nil)
	_ hv.InterruptTransport = (*testVM)(nil)
)

// testOps is a fake DeviceOps recording every call for assertions.
type testOps struct {
	mu sync.Mutex

	hostFeatures uint64
	config       []byte
	memSize      uint64
	vqCount      uint32
	vqs          []*virtio.VirtQueue

	guestFeatures uint64
	sizeCalls     map[uint32]uint32
	initCalls     []initCall
	notifyCalls   []uint32
	exitCalls     []uint32
	statusCalls   []uint32
	gsiCalls      map[uint32]uint32
}

type initCall struct {
	vq                   uint32
	pageSize, align, pfn uint32
}

func newTestOps(vqCount uint32, mem virtio.GuestMemory) *testOps {
	o := &testOps{vqCount: vqCount}
	o.vqs = make([]*virtio.VirtQueue, vqCount)
	for i := range o.vqs {
		o.vqs[i] = virtio.NewVirtQueue(mem, queueNumMax)
	}
	o.sizeCalls = make(map[uint32]uint32)
	o.gsiCalls = make(map[uint32]uint32)
	return o
}

func (o *testOps) GetHostFeatures() uint64 { return o.hostFeatures }
func (o *testOps) SetGuestFeatures(f uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.guestFeatures = f
}
func (o *testOps) GetConfig() []byte { return o.config }
func (o *testOps) SetConfig(offset int, value byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.config) <= offset {
		o.config = append(o.config, 0)
	}
	o.config[offset] = value
}
func (o *testOps) GetConfigSize() uint32 { return uint32(len(o.config)) }
func (o *testOps) GetMemSize() uint64    { return o.memSize }
func (o *testOps) GetVQCount() uint32    { return o.vqCount }
func (o *testOps) GetVQ(vq uint32) *virtio.VirtQueue {
	if int(vq) >= len(o.vqs) {
		return nil
	}
	return o.vqs[vq]
}
func (o *testOps) GetSizeVQ(vq uint32) uint32 { return 0 }
func (o *testOps) SetSizeVQ(vq uint32, size uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sizeCalls[vq] = size
}

func (o *testOps) InitVQ(vq uint32, pageSize, align, pfn uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initCalls = append(o.initCalls, initCall{vq, pageSize, align, pfn})

	// A real backend computes the ring layout itself from (pfn, page_size,
	// align, queue_size) on init_vq; mirror that here so tests can assert
	// on ring addresses, not just that InitVQ was called.
	if int(vq) < len(o.vqs) && o.vqs[vq] != nil {
		size := o.vqs[vq].MaxSize
		descAddr, availAddr, usedAddr := virtio.LegacyQueueLayout(pfn, pageSize, align, uint32(size))
		o.vqs[vq].SetAddresses(descAddr, availAddr, usedAddr)
	}
	return nil
}
func (o *testOps) NotifyVQ(vq uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifyCalls = append(o.notifyCalls, vq)
}
func (o *testOps) NotifyVQEventFD(vq uint32, fd int) {}
func (o *testOps) NotifyVQGSI(vq uint32, gsi uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gsiCalls[vq] = gsi
}
func (o *testOps) NotifyStatus(status uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusCalls = append(o.statusCalls, status)
}
func (o *testOps) ExitVQ(vq uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exitCalls = append(o.exitCalls, vq)
}

var _ DeviceOps = (*testOps)(nil)

func u32le(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}

func putU32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
