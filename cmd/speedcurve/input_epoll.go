//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/temoto/inputevent-go"
	"golang.org/x/sys/unix"
)

// readInputEventsEpoll reads from multiple input devices using epoll.
//
// Instead of one goroutine blocking in read() per device, a single goroutine
// waits on all of them. epoll_wait uses a short timeout so ctx cancellation is
// noticed without closing the devices first.
func readInputEventsEpoll(ctx context.Context, files []*os.File, events chan<- inputEvent) error {
	if len(files) == 0 {
		return errors.New("no input devices provided")
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	// Map file descriptors to files for later identification
	fdToFile := make(map[int32]*os.File, len(files))

	for _, f := range files {
		fd, err := rawFd(f)
		if err != nil {
			return fmt.Errorf("fd of %s: %w", f.Name(), err)
		}
		fdToFile[int32(fd)] = f

		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s (fd=%d): %w", f.Name(), fd, err)
		}
	}

	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(epfd, epollEvents, epollWaitMS)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			f := fdToFile[epollEvents[i].Fd]

			// Any device error is fatal; the daemon restarts rather than silently losing a pointer.
			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", f.Name())
			}

			ie, err := inputevent.ReadOne(f)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read from %s: %w", f.Name(), err)
			}

			select {
			case events <- fromInputEvent(ie, f.Name(), time.Now()):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// rawFd returns f's descriptor without switching it to blocking mode, which
// f.Fd() would do.
func rawFd(f *os.File) (int, error) {
	sc, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := sc.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}
