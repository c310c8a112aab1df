package mmio

import "testing"

// TestBusWindowAllocationNonOverlapping covers invariant 1: successive
// windows never overlap (window_base_i + windowSize <= window_base_{i+1}).
func TestBusWindowAllocationNonOverlapping(t *testing.T) {
	b := NewBus(BusConfig{WindowBase: 0x0a000000})
	vm := newTestVM()

	var prev uint64
	for i := 0; i < 3; i++ {
		ops := newTestOps(1, &vm.testMemory)
		d := New(Config{Name: "d", QueueCount: 1}, ops)
		adapter, err := b.Attach(vm, d, 0, false)
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		base := adapter.Device().WindowBase()
		if i > 0 && base < prev+windowSize {
			t.Fatalf("window %d base=0x%x overlaps previous window ending at 0x%x", i, base, prev+windowSize)
		}
		prev = base
	}
}

// TestAdapterTranslatesAbsoluteAddress covers the Adapter's job: MMIO
// dispatched at an absolute guest-physical address must reach Device's
// window-relative decode logic unchanged.
func TestAdapterTranslatesAbsoluteAddress(t *testing.T) {
	b := NewBus(BusConfig{WindowBase: 0x0a000000})
	vm := newTestVM()
	ops := newTestOps(1, &vm.testMemory)
	d := New(Config{Name: "d", QueueCount: 1, DeviceID: 9}, ops)
	adapter, err := b.Attach(vm, d, 0, false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var buf [4]byte
	if err := adapter.ReadMMIO(nil, 0x0a000000+regDeviceID, buf[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if got := u32le(buf[:]); got != 9 {
		t.Errorf("device_id via absolute address = %d, want 9", got)
	}
}

// TestBusAttachRegistersAdapterWithVM covers the registration half of
// Attach: the returned Adapter must actually be handed to the VM interface,
// not just constructed and returned.
func TestBusAttachRegistersAdapterWithVM(t *testing.T) {
	b := NewBus(BusConfig{WindowBase: 0x0a000000})
	vm := newTestVM()
	ops := newTestOps(1, &vm.testMemory)
	d := New(Config{Name: "d", QueueCount: 1}, ops)

	adapter, err := b.Attach(vm, d, 0, false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(vm.addedDevices) != 1 || vm.addedDevices[0] != adapter {
		t.Fatalf("vm.addedDevices = %v, want [adapter]", vm.addedDevices)
	}
}

// TestBusAttachRollsBackOnAddDeviceFailure covers the rollback half: if
// registering the MMIO window with the VM fails, Attach must not leave the
// device half-initialized in the bus's device list.
func TestBusAttachRollsBackOnAddDeviceFailure(t *testing.T) {
	b := NewBus(BusConfig{WindowBase: 0x0a000000})
	vm := newTestVM()
	vm.failAddDevice = true
	ops := newTestOps(1, &vm.testMemory)
	d := New(Config{Name: "d", QueueCount: 1}, ops)

	if _, err := b.Attach(vm, d, 0, false); err == nil {
		t.Fatal("Attach: want error when vm.AddDevice fails")
	}
	if len(b.Devices()) != 0 {
		t.Errorf("bus.Devices() = %v, want none after rollback", b.Devices())
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if !closed {
		t.Error("device not marked closed after Attach rollback")
	}
}

// TestBusRSLDSharedMemoryDisjoint covers the RSLD shared-memory allocator:
// two RSLD-enabled devices must not be handed overlapping shadow offsets.
func TestBusRSLDSharedMemoryDisjoint(t *testing.T) {
	shadow := newTestMemory(1 << 20)
	b := NewBus(BusConfig{WindowBase: 0x0a000000, Shadow: shadow, PhysBase: 0x40000000})

	off1, err := b.allocateShadowOffset(0x1000)
	if err != nil {
		t.Fatalf("allocateShadowOffset: %v", err)
	}
	off2, err := b.allocateShadowOffset(0x1000)
	if err != nil {
		t.Fatalf("allocateShadowOffset: %v", err)
	}
	if off2 < off1+regConfig+0x1000 {
		t.Errorf("second RSLD offset 0x%x overlaps first device's arena ending near 0x%x", off2, off1+regConfig+0x1000)
	}
}
