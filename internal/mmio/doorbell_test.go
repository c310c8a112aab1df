package mmio

import (
	"context"
	"os"
	"testing"
	"time"
)

// pipeDoorbellSource adapts an os.Pipe to DoorbellSource for tests: select()
// needs a real fd, which an in-memory fake can't provide.
type pipeDoorbellSource struct {
	r, w *os.File
}

func newPipeDoorbellSource(t *testing.T) *pipeDoorbellSource {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return &pipeDoorbellSource{r: r, w: w}
}

func (s *pipeDoorbellSource) FD() int                    { return int(s.r.Fd()) }
func (s *pipeDoorbellSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *pipeDoorbellSource) Write(p []byte) (int, error) { return s.w.Write(p) }

// TestWatchDoorbellNotifiesAllSharers covers the RSLD notification thread:
// one mailbox wake must call Doorbell on every device sharing it.
func TestWatchDoorbellNotifiesAllSharers(t *testing.T) {
	d1, _, _, shadow1 := newRSLDDevice(t, 1)
	d2, _, _ := newTestDeviceWithSharedRSLD(t, d1, shadow1)

	// Each device's shadow STATUS shows ACKNOWLEDGE; the doorbell diff copies
	// it into d.status, which records that Doorbell ran on that device.
	shadowPutU32(t, shadow1, regStatus, statusAcknowledge)
	shadowPutU32(t, shadow1, 0x1000+regStatus, statusAcknowledge)

	src := newPipeDoorbellSource(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- WatchDoorbell(ctx, nil, src, []*Device{d1, d2}) }()

	if _, err := src.w.Write([]byte{1}); err != nil {
		t.Fatalf("write doorbell: %v", err)
	}

	// Give the watcher goroutine a moment to observe and process the wake.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WatchDoorbell did not return after cancel")
	}

	for i, d := range []*Device{d1, d2} {
		d.mu.Lock()
		st := d.status
		d.mu.Unlock()
		if st != statusAcknowledge {
			t.Errorf("device %d status = 0x%x after doorbell, want 0x%x", i+1, st, statusAcknowledge)
		}
	}
}

// newTestDeviceWithSharedRSLD builds a second device sharing d1's shadow
// region at a distinct offset, as Bus.Attach would when multiple RSLD
// devices share one mailbox.
func newTestDeviceWithSharedRSLD(t *testing.T, d1 *Device, shadow *testMemory) (*Device, *testVM, *testOps) {
	t.Helper()
	d, vm, ops := newTestDevice(t, 1, 0, false, false)
	if err := d.EnableRSLD(RSLDConfig{
		Shadow:   shadow,
		Offset:   0x1000,
		PhysBase: 0x40000000,
		HvlIRQ:   48,
	}); err != nil {
		t.Fatalf("EnableRSLD: %v", err)
	}
	return d, vm, ops
}
