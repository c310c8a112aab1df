package mmio

import "testing"

// TestStatsIncrementAtCallSites spot-checks that each counter increments at
// the register access that is supposed to drive it, and never decreases.
func TestStatsIncrementAtCallSites(t *testing.T) {
	d, _, _ := newTestDevice(t, 1, 0, false, false)

	readReg(t, d, regMagic)
	writeReg(t, d, regQueueSel, 0)
	writeReg(t, d, regQueueNum, 64)
	writeReg(t, d, regQueuePFN, 0x1000)
	writeReg(t, d, regQueueNotify, 0)
	writeReg(t, d, regInterruptAck, intVRing)
	writeReg(t, d, regMSICmd, msiCmdEnable)
	writeReg(t, d, regMSIVecSel, 0)
	writeReg(t, d, regMSICmd, msiCmdMask)

	snap := d.Stats()
	checks := map[Stat]uint64{
		StatTrapIn:      1, // the single ReadMMIO call
		StatQueueSel:    1,
		StatQueueNotify: 1,
		StatAckIRQ:      1,
		StatMSICmd:      2, // enable + mask
		StatMSIMask:     1,
	}
	for stat, want := range checks {
		got := snap[stat.String()]
		if got != want {
			t.Errorf("stat %s = %d, want %d", stat, got, want)
		}
	}
}
