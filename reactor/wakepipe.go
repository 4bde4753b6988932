package reactor

import "golang.org/x/sys/unix"

// wakePipe is a classic self-pipe, modeled on the teacher's epoll/kqueue
// wake-pipe (eventloop/loop.go). IOReactor creates it in New and closes it in
// Close; nothing writes to or drains it. Wake() interrupts a blocked
// RunUntilIdle by sending a no-op on the completion channel instead.
type wakePipe struct {
	r, w int
}

func newWakePipe() (*wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

// wake writes a single byte, waking any reader blocked on the pipe. Safe to
// call from any goroutine; a full pipe buffer (i.e. an unconsumed previous
// wake) is not an error — one pending wake is as good as many.
func (w *wakePipe) wake() {
	var b [1]byte
	_, _ = unix.Write(w.w, b[:])
}

// drain empties the pipe after a wake has been observed.
func (w *wakePipe) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *wakePipe) close() {
	_ = unix.Close(w.r)
	_ = unix.Close(w.w)
}
