package mmio

import "github.com/tinyrange/virtiomm/internal/hv"

// SignalVQ raises the interrupt associated with virtqueue vq's used-ring
// update. Safe to call from any of the three thread classes sharing this
// device's lock (vCPU trap, I/O-thread epoll callback, RSLD notification
// thread).
func (d *Device) SignalVQ(vq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vector := noVector
	if int(vq) < len(d.msi.vqVec) {
		vector = d.msi.vqVec[vq]
	}
	if err := d.signalLocked(vector, intVRing); err != nil {
		return err
	}
	if d.rsld != nil {
		d.rsld.setInterruptLocked(d, intVRing)
	}
	return nil
}

// SignalConfig raises the device's configuration-change interrupt.
func (d *Device) SignalConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.signalLocked(d.msi.configVec, intConfig); err != nil {
		return err
	}
	if d.rsld != nil {
		d.rsld.setInterruptLocked(d, intConfig)
	}
	return nil
}

// signalLocked implements the direct-MSI-vs-legacy-IRQ dispatch: if MSI is
// enabled and this source has a bound vector, inject/defer it; otherwise
// set legacyBit in interrupt_state and assert the legacy IRQ line.
func (d *Device) signalLocked(vector uint32, legacyBit uint32) error {
	if d.msi.enabled && vector != noVector {
		return d.injectVectorLocked(vector)
	}
	d.interruptState |= legacyBit
	d.stat.incr(StatSigIRQ)
	if d.vm != nil {
		return d.vm.SetIRQ(d.irqLine, true)
	}
	return nil
}

// injectVectorLocked performs the actual delivery for an MSI-bound vector:
// deferred via PBA if masked, else direct injection or GSI assert
// depending on the SIGNAL_MSI capability.
func (d *Device) injectVectorLocked(vector uint32) error {
	if d.msi.trySignal(vector) {
		return nil // deferred: pending bit set, no injection
	}
	return d.deliverVectorLocked(vector)
}

func (d *Device) deliverVectorLocked(vector uint32) error {
	d.stat.incr(StatSigMSI)
	m := d.msi.msgs[vector]
	if d.cfg.SignalMSI {
		it, ok := d.vm.(hv.InterruptTransport)
		if !ok {
			return nil
		}
		return it.SignalMSI(hv.MSIMessage{AddrLo: m.addrLo, AddrHi: m.addrHi, Data: m.data})
	}
	if m.hasGSI && d.vm != nil {
		return d.vm.SetIRQ(m.gsi, true)
	}
	return nil
}

// injectVector implements msiInjector: it is called by msiTable.unmask
// while the device lock is already held, to re-deliver a vector whose
// pending bit was set.
func (d *Device) injectVector(vec uint32) error {
	return d.deliverVectorLocked(vec)
}

var _ msiInjector = (*Device)(nil)
