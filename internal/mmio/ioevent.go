package mmio

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiomm/internal/hv"
)

// ioEventHandle is the concrete hv.IOEventHandle this dispatcher hands
// back to RegisterIOEvent callers.
type ioEventHandle struct {
	fd int
}

func (h *ioEventHandle) FD() int { return h.fd }

// IOEventDispatcher demultiplexes eventfd readiness into a userspace
// callback via epoll, the "global I/O thread" per VM. Concrete VM
// backends normally install a true kernel ioeventfd fast path (guest
// writes never reach userspace); this dispatcher is a reference
// userspace-poll implementation for when that fast path is unavailable.
// Nothing in this package connects it to hv.InterruptTransport's
// RegisterIOEvent.
type IOEventDispatcher struct {
	log     *slog.Logger
	epollFD int

	mu        sync.Mutex
	callbacks map[int]func()
	stop      chan struct{}
	done      chan struct{}
}

// NewIOEventDispatcher creates an epoll-backed dispatcher. Call Run in its
// own goroutine and Close to tear it down.
func NewIOEventDispatcher(log *slog.Logger) (*IOEventDispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioevent: epoll_create1: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &IOEventDispatcher{
		log:       log,
		epollFD:   epfd,
		callbacks: make(map[int]func()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Register creates an eventfd, adds it to the epoll set, and arranges for
// onReady to be invoked (from the Run goroutine) whenever the guest
// signals it. Returns a handle usable both as an hv.IOEventHandle and for
// Unregister.
func (d *IOEventDispatcher) Register(onReady func()) (*ioEventHandle, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("ioevent: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ioevent: epoll_ctl add: %w", err)
	}
	d.mu.Lock()
	d.callbacks[fd] = onReady
	d.mu.Unlock()
	return &ioEventHandle{fd: fd}, nil
}

// Unregister removes fd from the epoll set and closes it.
func (d *IOEventDispatcher) Unregister(h hv.IOEventHandle) error {
	fd := h.FD()
	d.mu.Lock()
	delete(d.callbacks, fd)
	d.mu.Unlock()
	_ = unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	return unix.Close(fd)
}

// Run blocks in epoll_wait, invoking each ready fd's callback, until
// Close is called. Intended to run as "global I/O thread".
func (d *IOEventDispatcher) Run() error {
	defer close(d.done)
	events := make([]unix.EpollEvent, 32)
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}
		n, err := unix.EpollWait(d.epollFD, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue // KindTransient: retried internally
			}
			return fmt.Errorf("ioevent: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			var buf [8]byte
			_, _ = unix.Read(fd, buf[:]) // drain the eventfd counter
			d.mu.Lock()
			cb := d.callbacks[fd]
			d.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

// Close stops Run and releases the epoll fd.
func (d *IOEventDispatcher) Close() error {
	close(d.stop)
	<-d.done
	return unix.Close(d.epollFD)
}

var _ hv.IOEventHandle = (*ioEventHandle)(nil)
