package mmio

import "github.com/tinyrange/virtiomm/internal/hv"

// msiMsg is the latched (addr_lo, addr_hi, data) for one vector.
type msiMsg struct {
	addrLo, addrHi, data uint32
	bound                bool
	gsi                  uint32
	hasGSI               bool
}

// msiTable is C4: the per-device MSI vector table, mask/pending bits and
// vector-to-queue/config bindings. Grounded on
// internal/devices/virtio/pci.go's msixEntry/msixPending handling
// (trySignalMSIX / setMSIXPendingBit / clearMSIXPendingBit /
// emitPendingVector), adapted from MSI-X capability-space bits to the
// virtio-MMIO msi_mba/msi_pba register pair.
type msiTable struct {
	enabled   bool
	sharing   bool
	vecSel    uint32
	mba       uint32 // mask bits, one per vector
	pba       uint32 // pending bits, one per vector
	configVec uint32
	vqVec     []uint32 // per-queue vector index, noVector if unbound

	msgs [msiVecNum]msiMsg
}

func (t *msiTable) init(queueCount int, sharing bool) {
	t.sharing = sharing
	t.configVec = noVector
	t.vqVec = make([]uint32, queueCount)
	for i := range t.vqVec {
		t.vqVec[i] = noVector
	}
}

func (t *msiTable) reset() {
	t.enabled = false
	t.vecSel = 0
	t.mba = 0
	t.pba = 0
	t.configVec = noVector
	for i := range t.vqVec {
		t.vqVec[i] = noVector
	}
	t.msgs = [msiVecNum]msiMsg{}
}

func (t *msiTable) state() uint32 {
	v := uint32(0)
	if t.enabled {
		v |= msiStateEnabled
	}
	if t.sharing {
		v |= msiStateSharing
	}
	return v
}

// msiInjector delivers a vector without checking its mask bit. unmask
// calls it once after clearing a set pending bit, which gives UNMASK its
// exactly-once redelivery.
type msiInjector interface {
	injectVector(vec uint32) error
}

// command applies an MSI_CMD write. inj is the device's own
// injectVector, used to redeliver on UNMASK.
func (t *msiTable) command(cmd uint32, inj msiInjector) {
	switch cmd {
	case msiCmdEnable:
		t.enabled = true
	case msiCmdDisable:
		t.enabled = false
	case msiCmdConfigure:
		t.configure(inj)
	case msiCmdMask:
		t.mba |= 1 << t.vecSel
	case msiCmdUnmask:
		t.unmask(inj)
	case msiCmdMapConfig:
		if t.sharing {
			t.configVec = t.vecSel
		}
	case msiCmdMapQueue:
		// MAP_QUEUE binds queue_sel to vec_sel; the caller applies this
		// directly because queue_sel lives on Device, not msiTable.
	}
}

func (t *msiTable) configure(routeRefresh msiInjector) {
	sel := t.vecSel
	if sel >= msiVecNum {
		return
	}
	// latch the message; addr/data are staged on the table by the caller
	// before CONFIGURE is issued (see Device.writeRegisterLocked).
	if !t.sharing {
		// auto-bind vector 0 -> config, vector k -> queue k-1, if unbound.
		if sel == 0 && t.configVec == noVector {
			t.configVec = 0
		} else if sel >= 1 && int(sel-1) < len(t.vqVec) && t.vqVec[sel-1] == noVector {
			t.vqVec[sel-1] = sel
		}
	}
	t.msgs[sel].bound = true
	_ = routeRefresh
}

func (t *msiTable) unmask(inj msiInjector) {
	bit := uint32(1) << t.vecSel
	t.mba &^= bit
	if t.pba&bit != 0 {
		t.pba &^= bit
		if inj != nil {
			_ = inj.injectVector(t.vecSel)
		}
	}
}

// trySignal implements step 1 for a vector already known to be
// MSI-bound: if masked, sets the pending bit and defers; else reports the
// vector is clear to send and the caller performs the actual injection
// (direct SIGNAL_MSI or GSI assert).
func (t *msiTable) trySignal(vec uint32) (deferred bool) {
	bit := uint32(1) << vec
	if t.mba&bit != 0 {
		t.pba |= bit
		return true
	}
	return false
}

// route installs or refreshes the GSI route for vec, following the
// "route refresh" rule: first refresh creates, subsequent refreshes
// update; a device with SIGNAL_MSI capability skips routing entirely when
// the VM interface reports none is needed.
func (t *msiTable) route(vm hv.VirtualMachine, vec uint32, devID string, signalCapable bool) error {
	if vec >= msiVecNum {
		return nil
	}
	m := &t.msgs[vec]
	it, ok := vm.(hv.InterruptTransport)
	if !ok {
		return nil
	}
	msg := hv.MSIMessage{AddrLo: m.addrLo, AddrHi: m.addrHi, Data: m.data}
	if !m.hasGSI {
		gsi, err := it.AddMSIXRoute(msg, devID)
		if err == hv.ErrNoRoutingNeeded {
			if signalCapable {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}
		m.gsi = gsi
		m.hasGSI = true
		return nil
	}
	return it.UpdateMSIXRoute(m.gsi, msg)
}

// gsiForVector reports the GSI currently routed for vec, if any.
func (t *msiTable) gsiForVector(vec uint32) (uint32, bool) {
	if vec >= msiVecNum {
		return 0, false
	}
	m := &t.msgs[vec]
	return m.gsi, m.hasGSI
}

// queuesForVector reports which queue indices are currently bound to vec
// (vqVec[i] == vec), so a backend that injects its own interrupts can be
// told which GSI to use once a vector's route is refreshed.
func (t *msiTable) queuesForVector(vec uint32) []uint32 {
	var vqs []uint32
	for vq, v := range t.vqVec {
		if v == vec {
			vqs = append(vqs, uint32(vq))
		}
	}
	return vqs
}
