package mmio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtiomm/internal/hv"
)

// RSLDConfig configures the shared-memory / remote-notification shadow
// protocol for a device.
type RSLDConfig struct {
	// Shadow is the shared-memory region the shadow header (and, after
	// it, this device's config window and private arena) lives in.
	Shadow hv.MemoryRegion
	// Offset is this device's byte offset within Shadow, assigned by the
	// bus's monotonic allocator (Bus.allocateShadowOffset).
	Offset uint64
	// PhysBase is hvl_shmem_phys_addr: the guest-physical address Shadow
	// is mapped at, used only to report an absolute address from the
	// device-tree emitter.
	PhysBase uint64
	// HvlIRQ is the out-of-band IRQ line pulsed on signal (distinct from
	// the legacy irq_line; "signal path in RSLD").
	HvlIRQ uint32
}

// rsldState is C7: the shadow header and the last-observed snapshot of its
// guest-writable fields, used to diff on doorbell. The shadow is a
// foreign, possibly-misaligned memory image; every access goes through
// explicit little-endian byte reads/writes,
// never a native struct overlay.
type rsldState struct {
	cfg RSLDConfig

	numVQs uint32 // queues brought up so far, replacement for the original's shared "static qidx"

	lastGuestFeatures [2]uint32
	lastQueueSel      uint32
	lastQueuePFN      uint32
	lastStatus        uint32
}

// EnableRSLD switches the device into RSLD mode and stages the initial
// shadow header: host features, config space and the read-only identity
// fields are written once; guest-writable fields start zeroed, mirroring
// virtio_mmio_init's shadow setup.
func (d *Device) EnableRSLD(cfg RSLDConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rsld = &rsldState{cfg: cfg}
	d.shadowPutU32(regMagic, magicValue)
	d.shadowPutU32(regVersion, versionValue)
	d.shadowPutU32(regDeviceID, d.cfg.DeviceID)
	d.shadowPutU32(regVendorID, vendorID)
	d.shadowPutU32(regHostFeatures, d.hostFeatures[0])
	d.shadowPutU32(regQueueNumMax, uint32(queueNumMax))

	return d.shadowWriteConfig(d.ops.GetConfig())
}

func (d *Device) shadowWriteConfig(cfg []byte) error {
	if len(cfg) == 0 {
		return nil
	}
	_, err := d.rsld.cfg.Shadow.WriteAt(cfg, int64(d.rsld.cfg.Offset+regConfig))
	return err
}

func (d *Device) shadowPutU32(off uint64, v uint32) {
	if d.rsld == nil {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = d.rsld.cfg.Shadow.WriteAt(buf[:], int64(d.rsld.cfg.Offset+off))
}

func (d *Device) shadowGetU32(off uint64) uint32 {
	var buf [4]byte
	_, _ = d.rsld.cfg.Shadow.ReadAt(buf[:], int64(d.rsld.cfg.Offset+off))
	return binary.LittleEndian.Uint32(buf[:])
}

// doorbellLocked implements the shadow-header diff algorithm. Called
// with d.mu held, either from WriteMMIO (offset 0x1F0) or from the RSLD
// notification thread via Doorbell.
func (d *Device) doorbellLocked() error {
	r := d.rsld
	status := d.shadowGetU32(regStatus)

	if status&statusDriverOK != 0 {
		for vq := uint32(0); vq < r.numVQs && int(vq) < len(d.queues); vq++ {
			if d.queues[vq].running() {
				d.ops.NotifyVQ(vq)
			}
		}
		return nil
	}

	if gf0 := d.shadowGetU32(regGuestFeatures); gf0 != r.lastGuestFeatures[0] {
		r.lastGuestFeatures[0] = gf0
		d.guestFeatures[0] = gf0 & d.hostFeatures[0]
	}
	if gf1 := d.shadowGetU32(regGuestFeatures + 4); gf1 != r.lastGuestFeatures[1] {
		r.lastGuestFeatures[1] = gf1
		d.guestFeatures[1] = gf1 & d.hostFeatures[1]
	}

	if sel := d.shadowGetU32(regQueueSel); sel != r.lastQueueSel {
		r.lastQueueSel = sel
		d.queueSel = sel
	}

	if pfn := d.shadowGetU32(regQueuePFN); pfn != r.lastQueuePFN {
		r.lastQueuePFN = pfn
		if pfn != 0 {
			if err := d.bringUpNextQueueLocked(pfn); err != nil {
				return err
			}
		}
	}

	if status != r.lastStatus {
		r.lastStatus = status
		d.status = status
		// snapshot host features back into the shadow so the guest's
		// next feature read observes the authoritative set.
		d.shadowPutU32(regHostFeatures, d.hostFeatures[0])
		d.shadowPutU32(regHostFeatures+4, d.hostFeatures[1])
		d.ops.NotifyStatus(status)
	}

	ack := d.shadowGetU32(regInterruptAck)
	if ack != 0 {
		d.interruptState &^= ack
		d.shadowPutU32(regInterruptState, d.interruptState)
		d.shadowPutU32(regInterruptAck, 0)
	}
	return nil
}

// bringUpNextQueueLocked arms the queue at index numVQs (not queue_sel)
// and increments numVQs; numVQs is per-device state, unlike a
// process-global counter shared across every RSLD device.
func (d *Device) bringUpNextQueueLocked(pfn uint32) error {
	r := d.rsld
	if int(r.numVQs) >= len(d.queues) {
		return fmt.Errorf("virtio-mmio: %s: rsld: no more queues to bring up (numVQs=%d)", d.cfg.Name, r.numVQs)
	}
	vq := r.numVQs
	d.armQueueLocked(vq, pfn)
	r.numVQs++
	return nil
}

// Doorbell is the entry point the RSLD notification thread calls after
// waking from select() on /dev/umb: a synthetic write to
// offset 0x1F0, not a real guest MMIO trap.
func (d *Device) Doorbell() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rsld == nil {
		return fmt.Errorf("virtio-mmio: %s: rsld not enabled", d.cfg.Name)
	}
	return d.doorbellLocked()
}

// setInterruptLocked implements the RSLD half of the signal path: set the
// bit in both the authoritative and shadow headers, then raise hvl_irq.
// SignalVQ/SignalConfig call it after signalLocked has already delivered
// through MSI or the legacy irq_line, so both paths fire.
func (r *rsldState) setInterruptLocked(d *Device, bit uint32) {
	d.interruptState |= bit
	d.shadowPutU32(regInterruptState, d.interruptState)
	if d.vm != nil {
		_ = d.vm.SetIRQ(r.cfg.HvlIRQ, true)
	}
}

const regInterruptState = regInterruptStatus
