package socket_test

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioctx"
	"github.com/joeycumines/go-iocoro/ioerr"
	"github.com/joeycumines/go-iocoro/socket"
	"github.com/joeycumines/go-iocoro/stopctx"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newShard(t *testing.T) (executor.IOExecutor, func()) {
	c, err := ioctx.New()
	require.NoError(t, err)
	ex := executor.FromContext(c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go c.Run(ctx)
	return ex, func() {
		c.Stop()
		cancel()
		_ = c.Close()
	}
}

func TestHandle_ReadReturnsAvailableData(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()
	a, b := socketpair(t)

	h, err := socket.Open(ex, a)
	require.NoError(t, err)
	defer h.Close()

	_, err = unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	future := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (string, error) {
		buf := make([]byte, 16)
		n, err := h.Read(c, buf)
		return string(buf[:n]), err
	})

	got, err := future.Await()
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestHandle_ReadBlocksUntilDataArrives(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()
	a, b := socketpair(t)

	h, err := socket.Open(ex, a)
	require.NoError(t, err)
	defer h.Close()

	future := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (string, error) {
		buf := make([]byte, 16)
		n, err := h.Read(c, buf)
		return string(buf[:n]), err
	})

	time.Sleep(20 * time.Millisecond)
	_, err = unix.Write(b, []byte("late"))
	require.NoError(t, err)

	got, err := future.Await()
	require.NoError(t, err)
	require.Equal(t, "late", got)
}

func TestHandle_WriteReturnsPartialCount(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()
	a, b := socketpair(t)

	h, err := socket.Open(ex, a)
	require.NoError(t, err)
	defer h.Close()

	payload := []byte("written payload")
	future := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		return h.Write(c, payload)
	})

	n, err := future.Await()
	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.LessOrEqual(t, n, len(payload))

	buf := make([]byte, len(payload))
	require.NoError(t, unix.SetNonblock(b, false))
	nr, err := unix.Read(b, buf)
	require.NoError(t, err)
	require.Equal(t, payload[:n], buf[:nr])
}

func TestHandle_WriteLoopSendsFullPayload(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()
	a, b := socketpair(t)

	h, err := socket.Open(ex, a)
	require.NoError(t, err)
	defer h.Close()

	payload := []byte("written payload")
	future := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		written := 0
		for written < len(payload) {
			n, err := h.Write(c, payload[written:])
			if err != nil {
				return written, err
			}
			written += n
		}
		return written, nil
	})

	n, err := future.Await()
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	require.NoError(t, unix.SetNonblock(b, false))
	nr, err := unix.Read(b, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:nr])
}

func TestHandle_ReadReturnsEOFError(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()
	a, b := socketpair(t)

	h, err := socket.Open(ex, a)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, unix.Close(b))

	future := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		buf := make([]byte, 16)
		return h.Read(c, buf)
	})

	n, err := future.Await()
	require.Error(t, err)
	require.True(t, ioerr.Is(err, ioerr.EOF))
	require.Equal(t, 0, n)
}

func TestHandle_CancelReadAbortsPendingRead(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()
	a, _ := socketpair(t)

	h, err := socket.Open(ex, a)
	require.NoError(t, err)
	defer h.Close()

	started := make(chan struct{})
	future := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		close(started)
		buf := make([]byte, 16)
		return h.Read(c, buf)
	})

	<-started
	time.Sleep(10 * time.Millisecond)
	h.CancelRead()

	_, err = future.Await()
	require.Error(t, err)
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()
	a, _ := socketpair(t)

	h, err := socket.Open(ex, a)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func listenTCP(t *testing.T) (fd int, addr *unix.SockaddrInet4) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })

	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Bind(fd, sa))
	require.NoError(t, unix.Listen(fd, 1))

	bound, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, bound.(*unix.SockaddrInet4)
}

func TestHandle_AcceptAndConnect(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()

	lfd, addr := listenTCP(t)
	acceptor, err := socket.Open(ex, lfd)
	require.NoError(t, err)
	defer acceptor.Close()

	cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	client, err := socket.Open(ex, cfd)
	require.NoError(t, err)
	defer client.Close()

	acceptFuture := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		return acceptor.Accept(c)
	})
	connectFuture := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (struct{}, error) {
		return struct{}{}, client.Connect(c, addr)
	})

	_, connErr := connectFuture.Await()
	require.NoError(t, connErr)

	nfd, acceptErr := acceptFuture.Await()
	require.NoError(t, acceptErr)
	require.NoError(t, unix.Close(nfd))
}

func TestHandle_ConnectFailsOnRefusedPort(t *testing.T) {
	ex, cleanup := newShard(t)
	defer cleanup()

	bindFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Bind(bindFd, sa))
	bound, err := unix.Getsockname(bindFd)
	require.NoError(t, err)
	require.NoError(t, unix.Close(bindFd)) // nothing listens on addr now
	addr := bound.(*unix.SockaddrInet4)

	cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	client, err := socket.Open(ex, cfd)
	require.NoError(t, err)
	defer client.Close()

	future := coro.Spawn(ex, stopctx.Token{}, func(c *coro.Ctx) (struct{}, error) {
		return struct{}{}, client.Connect(c, addr)
	})

	_, err = future.Await()
	require.Error(t, err)
}
