package mmio

import "sync/atomic"

// Stat identifies one of the ten classified events a virtio-mmio
// transport counts (VIRTIO_MMIO_STAT_* in the upstream kernel headers).
type Stat int

const (
	StatQueueNotify Stat = iota
	StatTrapIn
	StatTrapOut
	StatAckIRQ
	StatCheckIRQ
	StatQueueSel
	StatMSICmd
	StatMSIMask
	StatSigMSI
	StatSigIRQ
	statMax
)

var statNames = [statMax]string{
	StatQueueNotify: "queue_notify",
	StatTrapIn:      "trap_in",
	StatTrapOut:     "trap_out",
	StatAckIRQ:      "ack_irq",
	StatCheckIRQ:    "check_irq",
	StatQueueSel:    "queue_sel",
	StatMSICmd:      "msi_cmd",
	StatMSIMask:     "msi_mask",
	StatSigMSI:      "sig_msi",
	StatSigIRQ:      "sig_irq",
}

func (s Stat) String() string {
	if int(s) < len(statNames) {
		return statNames[s]
	}
	return "unknown"
}

// stats holds the per-device counters. They are never reset
// and are safe to increment from the vCPU thread, the IO-event thread or
// the RSLD thread concurrently.
type stats struct {
	counters [statMax]atomic.Uint64
}

func (s *stats) incr(id Stat) {
	s.counters[id].Add(1)
}

// StatSnapshot is a point-in-time copy of a device's counters, keyed by
// name for easy logging/export.
type StatSnapshot map[string]uint64

func (s *stats) Snapshot() StatSnapshot {
	out := make(StatSnapshot, statMax)
	for i := range s.counters {
		out[Stat(i).String()] = s.counters[i].Load()
	}
	return out
}
