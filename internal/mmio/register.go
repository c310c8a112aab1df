package mmio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtiomm/internal/hv"
	"github.com/tinyrange/virtiomm/internal/timeslice"
	"github.com/tinyrange/virtiomm/internal/virtio"
)

// mmioTimeslice tags every vCPU exit this transport handles, so a profiling
// build can attribute time spent decoding virtio-mmio traps alongside
// other hv.ExitContext-tagged exit reasons.
var mmioTimeslice = timeslice.RegisterKind("virtio_mmio_exit", timeslice.SliceFlagGuestTime)

// ReadMMIO implements hv.MemoryMappedIODevice. addr is relative to the
// device's window (the Adapter in bus.go translates absolute guest
// addresses before calling this).
func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if ctx != nil {
		ctx.SetExitTimeslice(mmioTimeslice)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stat.incr(StatTrapIn)

	off := uint32(addr)
	if off >= regConfig {
		return d.readConfigLocked(off-regConfig, data)
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio-mmio: %s: unaligned %d-byte read at 0x%x", d.cfg.Name, len(data), off)
	}
	binary.LittleEndian.PutUint32(data, d.readRegisterLocked(off))
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if ctx != nil {
		ctx.SetExitTimeslice(mmioTimeslice)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stat.incr(StatTrapOut)

	off := uint32(addr)
	if off == regDoorbell && d.rsld != nil {
		return d.doorbellLocked()
	}
	if off >= regConfig {
		return d.writeConfigLocked(off-regConfig, data)
	}
	if len(data) != 4 {
		// Protocol violation: unaligned/partial write to the header
		// window. Silently ignored.
		return nil
	}
	d.writeRegisterLocked(off, binary.LittleEndian.Uint32(data))
	return nil
}

func (d *Device) readConfigLocked(off uint32, data []byte) error {
	cfg := d.ops.GetConfig()
	for i := range data {
		idx := int(off) + i
		if idx < len(cfg) {
			data[i] = cfg[idx]
		} else {
			data[i] = 0
		}
	}
	return nil
}

func (d *Device) writeConfigLocked(off uint32, data []byte) error {
	for i, b := range data {
		d.ops.SetConfig(int(off)+i, b)
	}
	return nil
}

// readRegisterLocked implements the read half of C6: read-only registers
// return internal state, everything else (including unrecognized offsets)
// reads as zero.
func (d *Device) readRegisterLocked(off uint32) uint32 {
	switch off {
	case regMagic:
		return magicValue
	case regVersion:
		return versionValue
	case regDeviceID:
		return d.cfg.DeviceID
	case regVendorID:
		return vendorID
	case regHostFeatures:
		if d.featuresSel < 2 {
			return d.hostFeatures[d.featuresSel]
		}
		return 0
	case regQueueNumMax:
		return uint32(queueNumMax)
	case regQueuePFN:
		return d.currentQueuePFNLocked()
	case regQueueNotify:
		// MMIO_NOTIFICATION read-back: (notify_offset<<16)|multiplier.
		// Multiplier is fixed at 4 (one 32-bit notify word per queue).
		if d.notificationAccepted() {
			return (d.notifyOffset << 16) | 4
		}
		return 0
	case regInterruptStatus:
		d.stat.incr(StatCheckIRQ)
		return d.interruptState
	case regStatus:
		return d.status
	case regMSIVecNum:
		return msiVecNum
	case regMSIState:
		return d.msi.state()
	default:
		return 0
	}
}

func (d *Device) currentQueuePFNLocked() uint32 {
	if int(d.queueSel) >= len(d.queues) {
		return 0
	}
	return d.queues[d.queueSel].pfn
}

func (d *Device) notificationAccepted() bool {
	return d.guestFeatures[1]&(1<<(featMMIONotificationBit-32)) != 0
}

// writeRegisterLocked implements the write half of C6. Writes to read-only registers and out-of-range selections are
// silently dropped (KindProtocol policy).
func (d *Device) writeRegisterLocked(off uint32, val uint32) {
	switch off {
	case regHostFeaturesSel:
		d.featuresSel = val
	case regGuestFeatures:
		d.writeGuestFeaturesLocked(val)
	case regGuestFeaturesSel:
		d.guestFeatSel = val
	case regGuestPageSize:
		d.guestPageSize = val
	case regQueueSel:
		d.stat.incr(StatQueueSel)
		d.queueSel = val
	case regQueueNum:
		d.withSelectedQueueLocked(func(q *queueState) {
			if val > uint32(queueNumMax) {
				val = uint32(queueNumMax)
			}
			q.size = val
			d.ops.SetSizeVQ(d.queueSel, val)
		})
	case regQueueAlign:
		d.withSelectedQueueLocked(func(q *queueState) { q.align = val })
	case regQueuePFN:
		d.writeQueuePFNLocked(val)
	case regQueueNotify:
		d.stat.incr(StatQueueNotify)
		d.notifyVQLocked(val)
	case regInterruptAck:
		d.stat.incr(StatAckIRQ)
		d.interruptState &^= val
	case regStatus:
		d.writeStatusLocked(val)
	case regMSICmd:
		d.stat.incr(StatMSICmd)
		d.writeMSICmdLocked(val)
	case regMSIVecSel:
		d.msi.vecSel = val
	case regMSIAddrLo:
		d.stageMSIField(func(m *msiMsg) { m.addrLo = val })
	case regMSIAddrHi:
		d.stageMSIField(func(m *msiMsg) { m.addrHi = val })
	case regMSIData:
		d.stageMSIField(func(m *msiMsg) { m.data = val })
	default:
		// Unrecognized offset: write ignored.
	}
}

func (d *Device) stageMSIField(set func(*msiMsg)) {
	if d.msi.vecSel >= msiVecNum {
		return
	}
	set(&d.msi.msgs[d.msi.vecSel])
}

// writeGuestFeaturesLocked applies accept-only-if-offered
// policy: guest[i] <- write & host[i], then forwards the combined 64-bit
// negotiated set to the backend.
func (d *Device) writeGuestFeaturesLocked(val uint32) {
	if d.guestFeatSel >= 2 {
		return
	}
	d.guestFeatures[d.guestFeatSel] = val & d.hostFeatures[d.guestFeatSel]
	d.ops.SetGuestFeatures(uint64(d.guestFeatures[0]) | uint64(d.guestFeatures[1])<<32)
}

func (d *Device) withSelectedQueueLocked(fn func(*queueState)) {
	if int(d.queueSel) >= len(d.queues) {
		return
	}
	fn(&d.queues[d.queueSel])
}

// writeQueuePFNLocked implements non-zero arms (binds
// ioeventfd, calls ops.InitVQ); zero tears down.
func (d *Device) writeQueuePFNLocked(pfn uint32) {
	vq := d.queueSel
	if int(vq) >= len(d.queues) {
		return
	}
	if pfn == 0 {
		d.tearDownQueueLocked(vq)
		return
	}
	d.armQueueLocked(vq, pfn)
}

func (d *Device) armQueueLocked(vq uint32, pfn uint32) {
	q := &d.queues[vq]
	q.pfn = pfn

	pageSize := d.guestPageSize
	if pageSize == 0 {
		pageSize = 4096
	}
	align := q.align
	if align == 0 {
		align = 4096
	}
	size := q.size
	if size == 0 {
		size = uint32(queueNumMax)
	}

	descAddr, availAddr, usedAddr := virtio.LegacyQueueLayout(pfn, pageSize, align, size)

	if vring := d.ops.GetVQ(vq); vring != nil {
		vring.SetAddresses(descAddr, availAddr, usedAddr)
		_ = vring.SetSize(uint16(size))
		vring.SetReady(true)
	}

	notifyAddr, datamatch := d.notifyRegisterFor(vq)
	q.notifyOff = notifyAddr
	if it, ok := d.vm.(hv.InterruptTransport); ok {
		h, err := it.RegisterIOEvent(hv.IOEventParams{
			Addr:         d.windowBase + notifyAddr,
			Length:       4,
			Datamatch:    datamatch,
			HasDatamatch: true,
		})
		if err == nil {
			q.ioevent = h
			d.ops.NotifyVQEventFD(vq, h.FD())
		}
	}

	if err := d.ops.InitVQ(vq, pageSize, align, pfn); err != nil {
		d.log.Error("init_vq failed", "vq", vq, "error", err)
	}
}

// notifyRegisterFor computes the absolute offset and datamatch for a
// queue's notify register: the fixed QUEUE_NOTIFY offset when
// MMIO_NOTIFICATION is not active, or notify_offset + 4*vq otherwise.
func (d *Device) notifyRegisterFor(vq uint32) (offset uint64, datamatch uint32) {
	if d.notificationAccepted() {
		return uint64(d.notifyOffset) + 4*uint64(vq), vq
	}
	return regQueueNotify, vq
}

func (d *Device) tearDownQueueLocked(vq uint32) {
	q := &d.queues[vq]
	if q.ioevent != nil {
		if it, ok := d.vm.(hv.InterruptTransport); ok {
			_ = it.UnregisterIOEvent(q.ioevent)
		}
		q.ioevent = nil
	}
	if q.pfn != 0 {
		d.ops.ExitVQ(vq)
	}
	q.pfn = 0
	if vring := d.ops.GetVQ(vq); vring != nil {
		vring.SetReady(false)
	}
}

func (d *Device) notifyVQLocked(vq uint32) {
	if int(vq) >= len(d.queues) {
		return
	}
	d.ops.NotifyVQ(vq)
}

// writeStatusLocked implements STATUS:=0 resets and also
// re-samples vCPU endianness; any other write is stored and forwarded to
// the backend via NotifyStatus.
func (d *Device) writeStatusLocked(val uint32) {
	if val == 0 {
		d.endianLittle = d.sampleEndianness()
		d.resetLocked()
		return
	}
	d.status = val
	d.ops.NotifyStatus(val)
}

// sampleEndianness stands in for a vCPU register read on platforms where
// the guest ABI is bi-endian (e.g. ARM BE8); this module always reports
// little-endian since every register here is already decoded as LE and no
// concrete vCPU backend is in scope.
func (d *Device) sampleEndianness() bool { return true }

func (d *Device) writeMSICmdLocked(cmd uint32) {
	if cmd == msiCmdMapQueue && d.msi.sharing {
		if int(d.queueSel) < len(d.msi.vqVec) {
			d.msi.vqVec[d.queueSel] = d.msi.vecSel
		}
		return
	}
	if cmd == msiCmdMask {
		d.stat.incr(StatMSIMask)
	}
	d.msi.command(cmd, d)
	if cmd == msiCmdConfigure {
		vec := d.msi.vecSel
		if vec < msiVecNum {
			devID := fmt.Sprintf("%s/vec%d", d.cfg.Name, vec)
			if err := d.msi.route(d.vm, vec, devID, d.cfg.SignalMSI); err != nil {
				d.log.Error("msi route configuration failed, terminating", "vector", vec, "error", err)
				panic(newError(KindFatal, d.cfg.Name, "msi_cmd_configure", err))
			}
			if gsi, ok := d.msi.gsiForVector(vec); ok {
				for _, vq := range d.msi.queuesForVector(vec) {
					d.ops.NotifyVQGSI(vq, gsi)
				}
			}
		}
	}
}
