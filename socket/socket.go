// Package socket implements the non-blocking file descriptor core (C10):
// Handle owns a raw fd and a bound executor.IOExecutor, and its Read/Write/
// Accept/Connect operations all follow the same try-the-syscall-first,
// register-on-EAGAIN shape.
// Grounded directly on
// _examples/other_examples/eb4627af_RTradeLtd-gaio__watcher.go.go's
// tryRead/tryWrite retry loops (opportunistic syscall, EINTR retries
// in-place, EAGAIN falls back to readiness registration), translated from
// gaio's proactor/callback shape into this runtime's
// reactor+coroutine/operation.Await shape, and on
// _examples/original_source/include/iocoro/detail/socket/op_state.hpp's
// epoch/active pair for resolving the cancel-vs-complete race (the same
// technique timer.Registry already applies to scheduled callbacks).
package socket

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioerr"
	"github.com/joeycumines/go-iocoro/operation"
	"github.com/joeycumines/go-iocoro/reactor"
	"golang.org/x/sys/unix"
)

// opSlot tracks at most one in-flight operation (a read, or a write) on a
// Handle, with an epoch that increments on every new attempt. end reports
// whether the supplied epoch is still the one currently in flight; it is
// used identically to settle a natural completion and to settle a
// cancellation, so a reactor callback that arrives after the operation was
// already cancelled (or vice versa) is a silent no-op instead of a double
// completion. cancel holds the in-flight operation's own abort action (the
// same closure operation.Await invokes when the coroutine's stop token
// fires), so an external Cancel call can settle it exactly the same way.
type opSlot struct {
	mu     sync.Mutex
	epoch  uint64
	active bool
	cancel func()
}

// begin starts a new operation, failing with ok=false if one is already in
// flight (spec.md's "double-start collides and returns busy").
func (s *opSlot) begin() (epoch uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return 0, false
	}
	s.epoch++
	s.active = true
	return s.epoch, true
}

// setCancel records the in-flight operation's abort action, a no-op if the
// operation has already settled (e.g. it completed synchronously in begin's
// caller before setCancel ran).
func (s *opSlot) setCancel(epoch uint64, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.epoch == epoch {
		s.cancel = cancel
	}
}

func (s *opSlot) end(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.epoch == epoch {
		s.active = false
		s.cancel = nil
		return true
	}
	return false
}

// abort invokes the in-flight operation's own cancel action, settling it
// with OperationAborted and releasing its reactor interest. A no-op if
// nothing is in flight.
func (s *opSlot) abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Handle owns a non-blocking file descriptor and multiplexes interest in it
// through a single reactor registration, since reactor.Backend.Register
// takes one combined interest bitmask and callback per fd.
type Handle struct {
	fd int
	ex executor.IOExecutor

	mu         sync.Mutex
	registered bool
	interest   reactor.Direction
	onReadable func()
	onWritable func()

	readSlot, writeSlot opSlot
	closed               atomic.Bool
}

// Open wraps an already-created fd (e.g. from unix.Socket) as a Handle,
// setting it non-blocking.
func Open(ex executor.IOExecutor, fd int) (*Handle, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, ioerr.New(ioerr.Internal, "socket.Open", err)
	}
	return &Handle{fd: fd, ex: ex}, nil
}

// Assign takes ownership of an externally created fd (typically one
// returned by Accept), making it non-blocking and wrapping it as a Handle.
func Assign(ex executor.IOExecutor, fd int) (*Handle, error) { return Open(ex, fd) }

// FD returns the underlying file descriptor.
func (h *Handle) FD() int { return h.fd }

// Close unregisters and closes the underlying fd. Idempotent.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	registered := h.registered
	h.mu.Unlock()
	if registered {
		_ = h.ex.IOContext().Backend().Unregister(h.fd)
		h.ex.IOContext().RemoveFD()
	}
	if err := unix.Close(h.fd); err != nil {
		return ioerr.New(ioerr.Internal, "socket.Close", err)
	}
	return nil
}

func (h *Handle) onEvent(dir reactor.Direction) {
	h.mu.Lock()
	rd, wr := h.onReadable, h.onWritable
	h.mu.Unlock()
	if dir&(reactor.Read|reactor.Error|reactor.Hangup) != 0 && rd != nil {
		rd()
	}
	if dir&(reactor.Write|reactor.Error) != 0 && wr != nil {
		wr()
	}
}

func (h *Handle) addInterest(dir reactor.Direction, cb func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dir == reactor.Read {
		h.onReadable = cb
	} else {
		h.onWritable = cb
	}
	want := h.interest | dir
	if !h.registered {
		if err := h.ex.IOContext().Backend().Register(h.fd, want, h.onEvent); err != nil {
			return ioerr.New(ioerr.Internal, "socket.addInterest", err)
		}
		h.registered = true
		h.ex.IOContext().AddFD()
		h.interest = want
		return nil
	}
	if want != h.interest {
		if err := h.ex.IOContext().Backend().Modify(h.fd, want); err != nil {
			return ioerr.New(ioerr.Internal, "socket.addInterest", err)
		}
		h.interest = want
	}
	return nil
}

func (h *Handle) removeInterest(dir reactor.Direction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dir == reactor.Read {
		h.onReadable = nil
	} else {
		h.onWritable = nil
	}
	if !h.registered {
		return
	}
	want := h.interest &^ dir
	if want != h.interest {
		_ = h.ex.IOContext().Backend().Modify(h.fd, want)
		h.interest = want
	}
}

// Read suspends c's coroutine until at least one byte is readable into buf,
// EOF is reached, an error occurs, or c's stop token fires.
func (h *Handle) Read(c *coro.Ctx, buf []byte) (int, error) {
	return operation.Await(c, operation.Factory[int](func(_ *coro.Ctx, complete operation.Complete[int]) func() {
		epoch, ok := h.readSlot.begin()
		if !ok {
			complete(0, ioerr.New(ioerr.Busy, "socket.Read", nil))
			return nil
		}
		cancel := func() {
			if h.readSlot.end(epoch) {
				h.removeInterest(reactor.Read)
				complete(0, ioerr.New(ioerr.OperationAborted, "socket.Read", nil))
			}
		}
		h.readSlot.setCancel(epoch, cancel)
		var attempt func()
		attempt = func() {
			for {
				n, err := unix.Read(h.fd, buf)
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					if regErr := h.addInterest(reactor.Read, attempt); regErr != nil && h.readSlot.end(epoch) {
						complete(0, regErr)
					}
					return
				}
				if err != nil {
					if h.readSlot.end(epoch) {
						h.removeInterest(reactor.Read)
						complete(0, ioerr.New(mapErrno(err), "socket.Read", err))
					}
					return
				}
				if h.readSlot.end(epoch) {
					h.removeInterest(reactor.Read)
					if n == 0 {
						complete(0, ioerr.New(ioerr.EOF, "socket.Read", nil))
					} else {
						complete(n, nil)
					}
				}
				return
			}
		}
		attempt()
		return cancel
	}))
}

// Write suspends c's coroutine until at least one byte of buf has been
// written or an error occurs, per spec.md §4.10's "partial (some)" write
// semantics — composing a full write across multiple partial writes is
// streamio.Write's job, not this layer's.
func (h *Handle) Write(c *coro.Ctx, buf []byte) (int, error) {
	return operation.Await(c, operation.Factory[int](func(_ *coro.Ctx, complete operation.Complete[int]) func() {
		epoch, ok := h.writeSlot.begin()
		if !ok {
			complete(0, ioerr.New(ioerr.Busy, "socket.Write", nil))
			return nil
		}
		cancel := func() {
			if h.writeSlot.end(epoch) {
				h.removeInterest(reactor.Write)
				complete(0, ioerr.New(ioerr.OperationAborted, "socket.Write", nil))
			}
		}
		h.writeSlot.setCancel(epoch, cancel)
		var attempt func()
		attempt = func() {
			for {
				n, err := unix.Write(h.fd, buf)
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					if regErr := h.addInterest(reactor.Write, attempt); regErr != nil && h.writeSlot.end(epoch) {
						complete(0, regErr)
					}
					return
				}
				if err != nil {
					if h.writeSlot.end(epoch) {
						h.removeInterest(reactor.Write)
						complete(0, ioerr.New(mapErrno(err), "socket.Write", err))
					}
					return
				}
				if h.writeSlot.end(epoch) {
					h.removeInterest(reactor.Write)
					complete(n, nil)
				}
				return
			}
		}
		attempt()
		return cancel
	}))
}

// Accept suspends c's coroutine until a pending connection can be accepted,
// returning the new connection's fd (already non-blocking, close-on-exec).
// Calls accept4 (retrying only on EINTR) and returns the first accepted fd;
// on EAGAIN it waits for readability and tries again. Since Await delivers
// exactly one result, additional already-queued clients are picked up by the
// caller's next Accept call.
func (h *Handle) Accept(c *coro.Ctx) (int, error) {
	return operation.Await(c, operation.Factory[int](func(_ *coro.Ctx, complete operation.Complete[int]) func() {
		epoch, ok := h.readSlot.begin()
		if !ok {
			complete(0, ioerr.New(ioerr.Busy, "socket.Accept", nil))
			return nil
		}
		cancel := func() {
			if h.readSlot.end(epoch) {
				h.removeInterest(reactor.Read)
				complete(0, ioerr.New(ioerr.OperationAborted, "socket.Accept", nil))
			}
		}
		h.readSlot.setCancel(epoch, cancel)
		var attempt func()
		attempt = func() {
			for {
				nfd, _, err := unix.Accept4(h.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					if regErr := h.addInterest(reactor.Read, attempt); regErr != nil && h.readSlot.end(epoch) {
						complete(0, regErr)
					}
					return
				}
				if err != nil {
					if h.readSlot.end(epoch) {
						h.removeInterest(reactor.Read)
						complete(0, ioerr.New(mapErrno(err), "socket.Accept", err))
					}
					return
				}
				if h.readSlot.end(epoch) {
					h.removeInterest(reactor.Read)
					complete(nfd, nil)
				} else {
					_ = unix.Close(nfd)
				}
				return
			}
		}
		attempt()
		return cancel
	}))
}

// Connect suspends c's coroutine until a non-blocking connect to addr
// completes, checking SO_ERROR once the fd becomes writable per spec.md's
// "connect additionally checks SO_ERROR after writable readiness".
func (h *Handle) Connect(c *coro.Ctx, addr unix.Sockaddr) error {
	_, err := operation.Await(c, operation.Factory[struct{}](func(_ *coro.Ctx, complete operation.Complete[struct{}]) func() {
		epoch, ok := h.writeSlot.begin()
		if !ok {
			complete(struct{}{}, ioerr.New(ioerr.Busy, "socket.Connect", nil))
			return nil
		}
		cancel := func() {
			if h.writeSlot.end(epoch) {
				h.removeInterest(reactor.Write)
				complete(struct{}{}, ioerr.New(ioerr.OperationAborted, "socket.Connect", nil))
			}
		}
		h.writeSlot.setCancel(epoch, cancel)
		checkResult := func() {
			errno, gerr := unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if gerr != nil {
				if h.writeSlot.end(epoch) {
					h.removeInterest(reactor.Write)
					complete(struct{}{}, ioerr.New(ioerr.Internal, "socket.Connect", gerr))
				}
				return
			}
			if errno != 0 {
				if h.writeSlot.end(epoch) {
					h.removeInterest(reactor.Write)
					complete(struct{}{}, ioerr.New(mapErrno(unix.Errno(errno)), "socket.Connect", unix.Errno(errno)))
				}
				return
			}
			if h.writeSlot.end(epoch) {
				h.removeInterest(reactor.Write)
				complete(struct{}{}, nil)
			}
		}
		err := unix.Connect(h.fd, addr)
		switch err {
		case nil:
			checkResult()
		case unix.EINPROGRESS:
			if regErr := h.addInterest(reactor.Write, checkResult); regErr != nil && h.writeSlot.end(epoch) {
				complete(struct{}{}, regErr)
			}
		default:
			if h.writeSlot.end(epoch) {
				complete(struct{}{}, ioerr.New(mapErrno(err), "socket.Connect", err))
			}
		}
		return cancel
	}))
	return err
}

// RecvFrom suspends c's coroutine until a datagram is available, returning
// its payload length and sender address.
func (h *Handle) RecvFrom(c *coro.Ctx, buf []byte) (int, unix.Sockaddr, error) {
	type result struct {
		n    int
		from unix.Sockaddr
	}
	r, err := operation.Await(c, operation.Factory[result](func(_ *coro.Ctx, complete operation.Complete[result]) func() {
		epoch, ok := h.readSlot.begin()
		if !ok {
			complete(result{}, ioerr.New(ioerr.Busy, "socket.RecvFrom", nil))
			return nil
		}
		cancel := func() {
			if h.readSlot.end(epoch) {
				h.removeInterest(reactor.Read)
				complete(result{}, ioerr.New(ioerr.OperationAborted, "socket.RecvFrom", nil))
			}
		}
		h.readSlot.setCancel(epoch, cancel)
		var attempt func()
		attempt = func() {
			for {
				n, from, err := unix.Recvfrom(h.fd, buf, 0)
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					if regErr := h.addInterest(reactor.Read, attempt); regErr != nil && h.readSlot.end(epoch) {
						complete(result{}, regErr)
					}
					return
				}
				if err != nil {
					if h.readSlot.end(epoch) {
						h.removeInterest(reactor.Read)
						complete(result{}, ioerr.New(mapErrno(err), "socket.RecvFrom", err))
					}
					return
				}
				if h.readSlot.end(epoch) {
					h.removeInterest(reactor.Read)
					complete(result{n, from}, nil)
				}
				return
			}
		}
		attempt()
		return cancel
	}))
	return r.n, r.from, err
}

// SendTo suspends c's coroutine until buf has been sent to addr as a single
// datagram.
func (h *Handle) SendTo(c *coro.Ctx, buf []byte, addr unix.Sockaddr) error {
	_, err := operation.Await(c, operation.Factory[struct{}](func(_ *coro.Ctx, complete operation.Complete[struct{}]) func() {
		epoch, ok := h.writeSlot.begin()
		if !ok {
			complete(struct{}{}, ioerr.New(ioerr.Busy, "socket.SendTo", nil))
			return nil
		}
		cancel := func() {
			if h.writeSlot.end(epoch) {
				h.removeInterest(reactor.Write)
				complete(struct{}{}, ioerr.New(ioerr.OperationAborted, "socket.SendTo", nil))
			}
		}
		h.writeSlot.setCancel(epoch, cancel)
		var attempt func()
		attempt = func() {
			for {
				err := unix.Sendto(h.fd, buf, 0, addr)
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					if regErr := h.addInterest(reactor.Write, attempt); regErr != nil && h.writeSlot.end(epoch) {
						complete(struct{}{}, regErr)
					}
					return
				}
				if err != nil {
					if h.writeSlot.end(epoch) {
						h.removeInterest(reactor.Write)
						complete(struct{}{}, ioerr.New(mapErrno(err), "socket.SendTo", err))
					}
					return
				}
				if h.writeSlot.end(epoch) {
					h.removeInterest(reactor.Write)
					complete(struct{}{}, nil)
				}
				return
			}
		}
		attempt()
		return cancel
	}))
	return err
}

// CancelRead aborts any in-flight Read, delivering it an OperationAborted
// error. A no-op if no Read is in flight.
func (h *Handle) CancelRead() { h.readSlot.abort() }

// CancelWrite aborts any in-flight Write, delivering it an OperationAborted
// error. A no-op if no Write is in flight.
func (h *Handle) CancelWrite() { h.writeSlot.abort() }

// Cancel aborts both an in-flight Read and an in-flight Write.
func (h *Handle) Cancel() {
	h.CancelRead()
	h.CancelWrite()
}

func mapErrno(err error) ioerr.Kind {
	switch err {
	case unix.ECONNRESET:
		return ioerr.ConnectionReset
	case unix.EPIPE:
		return ioerr.BrokenPipe
	case unix.ETIMEDOUT:
		return ioerr.TimedOut
	case unix.ENOTCONN:
		return ioerr.NotConnected
	default:
		return ioerr.Internal
	}
}
