package mmio

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// DoorbellSource is the userspace side of the `/dev/umb` contract:
// poll(POLLIN) signals a received mailbox packet, Read drains it,
// Write requests a notification toward the peer. The kernel-side mailbox
// driver itself is out of scope. An *os.File opened on /dev/umb does not
// satisfy this interface as is (its Fd method returns a uintptr) and needs
// a thin wrapper providing FD() int; the tests use an os.Pipe-backed source.
type DoorbellSource interface {
	FD() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// WatchDoorbell runs the RSLD notification thread: it blocks on select()
// over src's fd (both read and write sets — the monitor ignores the
// payload either way) and, on each wake, drains the packet and calls
// devices[i].Doorbell() for every device sharing this mailbox. Returns
// when ctx is canceled or select fails; a failed read of src is logged and
// the loop keeps waiting.
func WatchDoorbell(ctx context.Context, log *slog.Logger, src DoorbellSource, devices []*Device) error {
	if log == nil {
		log = slog.Default()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchDoorbellLoop(ctx, log, src, devices)
	})
	return g.Wait()
}

// fdSet sets fd's bit in an x/sys/unix.FdSet, which exposes only a raw
// Bits array (no portable Set/IsSet helper across platforms).
func fdSet(set *unix.FdSet, fd int) {
	const bitsPerWord = 64
	set.Bits[fd/bitsPerWord] |= int64(1) << uint(fd%bitsPerWord)
}

func watchDoorbellLoop(ctx context.Context, log *slog.Logger, src DoorbellSource, devices []*Device) error {
	fd := src.FD()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var rfds, wfds unix.FdSet
		fdSet(&rfds, fd)
		fdSet(&wfds, fd)
		tv := unix.Timeval{Sec: 0, Usec: 200_000}
		n, err := unix.Select(fd+1, &rfds, &wfds, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue // KindTransient
			}
			return fmt.Errorf("mmio: doorbell select: %w", err)
		}
		if n == 0 {
			continue // timed out, re-check ctx
		}

		var buf [64]byte
		if _, err := src.Read(buf[:]); err != nil {
			log.Error("doorbell read failed", "error", err)
			continue
		}

		for _, d := range devices {
			if err := d.Doorbell(); err != nil {
				log.Error("doorbell diff failed", "device", d.cfg.Name, "error", err)
			}
		}
	}
}
