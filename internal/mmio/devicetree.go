package mmio

import (
	"fmt"

	"github.com/tinyrange/virtiomm/internal/fdt"
)

// IRQPropertyFunc supplies the architecture-specific interrupt-cells
// triple for a device's IRQ line. Grounded on
// internal/devices/virtio/device_base.go's DeviceTreeNodes, which hardcodes
// a GIC SPI triple; this module takes the triple as a callback so callers
// can supply ARM GIC, RISC-V PLIC, or any other convention.
type IRQPropertyFunc func(irqLine uint32) []uint32

// DefaultIRQProperty produces the standard ARM GIC SPI encoding
// ({0, irq, 4}: SPI type, IRQ number, level-triggered flag).
func DefaultIRQProperty(irqLine uint32) []uint32 {
	return []uint32{0, irqLine, 4}
}

// DeviceTreeNode emits a `virtio,mmio` fragment for this device. In RSLD
// mode the reg property reports the shared-memory shadow address instead
// of the trapped window_base, since the guest never traps into this
// device's real MMIO window in that mode.
func (d *Device) DeviceTreeNode(irqProp IRQPropertyFunc) fdt.Node {
	if irqProp == nil {
		irqProp = DefaultIRQProperty
	}
	d.mu.Lock()
	addr := d.windowBase
	irq := d.irqLine
	rsld := d.rsld
	d.mu.Unlock()

	if rsld != nil {
		addr = rsld.shadowPhysAddr()
	}

	return fdt.Node{
		Name: fmt.Sprintf("virtio@%x", addr),
		Properties: map[string]fdt.Property{
			"compatible":   {Strings: []string{"virtio,mmio"}},
			"reg":          {U64: []uint64{addr, windowSize}},
			"dma-coherent": {Flag: true},
			"interrupts":   {U32: irqProp(irq)},
		},
	}
}

// shadowPhysAddr reports the shared-memory address of this device's
// shadow header, used in place of window_base by DeviceTreeNode.
func (r *rsldState) shadowPhysAddr() uint64 {
	return r.cfg.PhysBase + r.cfg.Offset
}
