// Package net implements the acceptor and stream/datagram socket facades
// (C11): a Protocol tag interface, an Endpoint value type with text
// parse/format, and TCP/UDP/Unix protocol tags parameterising
// Acceptor/StreamSocket/DatagramSocket. Grounded on
// _examples/original_source/include/iocoro/detail/socket/acceptor_impl.hpp,
// detail/net/basic_stream_socket_impl.hpp, detail/ip/tcp_socket_impl.hpp,
// and ip/basic_endpoint.hpp for the endpoint value type's shape.
package net

import (
	"fmt"
	stdnet "net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioerr"
	"github.com/joeycumines/go-iocoro/socket"
	"golang.org/x/sys/unix"
)

// Protocol is what a concrete protocol tag must supply to the facades in
// this package, per spec.md §6's protocol-tag interface (endpoint semantics
// live on Endpoint itself, shared across protocols; a Protocol tag supplies
// only the two socket() arguments that vary by protocol).
type Protocol interface {
	SockType() int
	SockProto() int
}

// TCP is the Protocol tag for stream sockets over IPv4/IPv6.
type TCP struct{}

func (TCP) SockType() int  { return unix.SOCK_STREAM }
func (TCP) SockProto() int { return unix.IPPROTO_TCP }

// UDP is the Protocol tag for datagram sockets over IPv4/IPv6.
type UDP struct{}

func (UDP) SockType() int  { return unix.SOCK_DGRAM }
func (UDP) SockProto() int { return unix.IPPROTO_UDP }

// Unix is the Protocol tag for Unix-domain stream sockets.
type Unix struct{}

func (Unix) SockType() int  { return unix.SOCK_STREAM }
func (Unix) SockProto() int { return 0 }

// Endpoint is a protocol-agnostic socket address: an IP address and port,
// or a Unix-domain path. Grounded on ip/basic_endpoint.hpp as "the single
// source of truth for socket-address storage, parsing, and conversion",
// generalized here to also cover AF_UNIX instead of having a second
// parallel endpoint type for it.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
	Path string // non-empty selects a Unix-domain endpoint; Addr/Port unused
}

// Family returns the address family this endpoint would bind/connect under.
func (e Endpoint) Family() int {
	switch {
	case e.Path != "":
		return unix.AF_UNIX
	case e.Addr.Is4():
		return unix.AF_INET
	default:
		return unix.AF_INET6
	}
}

// ToSockaddr converts the endpoint to the unix.Sockaddr form syscalls need.
func (e Endpoint) ToSockaddr() (unix.Sockaddr, error) {
	switch {
	case e.Path != "":
		return &unix.SockaddrUnix{Name: e.Path}, nil
	case e.Addr.Is4():
		return &unix.SockaddrInet4{Port: int(e.Port), Addr: e.Addr.As4()}, nil
	case e.Addr.Is6():
		sa := &unix.SockaddrInet6{Port: int(e.Port), Addr: e.Addr.As16()}
		if zone := e.Addr.Zone(); zone != "" {
			if idx, err := strconv.ParseUint(zone, 10, 32); err == nil {
				sa.ZoneId = uint32(idx)
			}
		}
		return sa, nil
	default:
		return nil, ioerr.New(ioerr.InvalidEndpoint, "net.Endpoint.ToSockaddr", nil)
	}
}

// FromSockaddr is the inverse of ToSockaddr, used to report local/remote/accepted
// addresses back as Endpoint values.
func FromSockaddr(sa unix.Sockaddr) (Endpoint, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{Addr: netip.AddrFrom4(s.Addr), Port: uint16(s.Port)}, nil
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(s.Addr)
		if s.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(s.ZoneId), 10))
		}
		return Endpoint{Addr: addr, Port: uint16(s.Port)}, nil
	case *unix.SockaddrUnix:
		return Endpoint{Path: s.Name}, nil
	default:
		return Endpoint{}, ioerr.New(ioerr.UnsupportedAddressFamily, "net.FromSockaddr", nil)
	}
}

// String formats the endpoint per spec.md §6: "a.b.c.d:port",
// "[addr%scope]:port", or a bare filesystem path for Unix endpoints.
func (e Endpoint) String() string {
	switch {
	case e.Path != "":
		return e.Path
	case e.Addr.Is4():
		return fmt.Sprintf("%s:%d", e.Addr, e.Port)
	default:
		if zone := e.Addr.Zone(); zone != "" {
			return fmt.Sprintf("[%s%%%s]:%d", e.Addr.WithZone(""), zone, e.Port)
		}
		return fmt.Sprintf("[%s]:%d", e.Addr, e.Port)
	}
}

// ParseEndpoint parses the text forms spec.md §6 describes. A supplemented
// feature: spec.md treats endpoints as an opaque value type and calls the
// parser itself out of scope, but original_source's ip/ headers clearly
// expect one to exist; this is grounded on Go's own
// net.SplitHostPort/netip.ParseAddr shape, which already handles the
// "[addr%scope]:port" bracket-and-zone syntax spec.md specifies.
func ParseEndpoint(s string) (Endpoint, error) {
	if !strings.Contains(s, ":") {
		return Endpoint{Path: s}, nil
	}
	host, portStr, err := stdnet.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, ioerr.New(ioerr.InvalidArgument, "net.ParseEndpoint", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, ioerr.New(ioerr.InvalidArgument, "net.ParseEndpoint", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, ioerr.New(ioerr.InvalidArgument, "net.ParseEndpoint", err)
	}
	return Endpoint{Addr: addr, Port: uint16(port)}, nil
}

func localEndpoint(h *socket.Handle) (Endpoint, error) {
	sa, err := unix.Getsockname(h.FD())
	if err != nil {
		return Endpoint{}, ioerr.New(ioerr.Internal, "net.localEndpoint", err)
	}
	return FromSockaddr(sa)
}

// Acceptor is a protocol-parameterised listening socket facade. Grounded on
// detail/socket/acceptor_impl.hpp.
type Acceptor[P Protocol] struct {
	ex    executor.IOExecutor
	proto P

	mu        sync.Mutex
	handle    *socket.Handle
	listening bool
	local     Endpoint
}

// NewAcceptor constructs an unopened Acceptor bound to ex.
func NewAcceptor[P Protocol](ex executor.IOExecutor) *Acceptor[P] {
	return &Acceptor[P]{ex: ex}
}

// Listen opens a matching socket, binds ep, and starts listening with the
// given backlog. It returns an AlreadyConnected error if the acceptor already
// holds a socket from an earlier Listen.
func (a *Acceptor[P]) Listen(ep Endpoint, backlog int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		return ioerr.New(ioerr.AlreadyConnected, "net.Acceptor.Listen", nil)
	}
	fd, err := unix.Socket(ep.Family(), a.proto.SockType(), a.proto.SockProto())
	if err != nil {
		return ioerr.New(ioerr.Internal, "net.Acceptor.Listen", err)
	}
	sa, err := ep.ToSockaddr()
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return ioerr.New(ioerr.Internal, "net.Acceptor.Listen", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return ioerr.New(ioerr.Internal, "net.Acceptor.Listen", err)
	}
	h, err := socket.Open(a.ex, fd)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	a.handle = h
	a.listening = true
	if local, lerr := localEndpoint(h); lerr == nil {
		a.local = local
	}
	return nil
}

// LocalEndpoint returns the address this acceptor is listening on, valid
// after a successful Listen.
func (a *Acceptor[P]) LocalEndpoint() Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// Accept suspends c's coroutine for the next incoming connection, returning
// a connected StreamSocket.
func (a *Acceptor[P]) Accept(c *coro.Ctx) (*StreamSocket[P], error) {
	a.mu.Lock()
	h, listening := a.handle, a.listening
	a.mu.Unlock()
	if !listening {
		return nil, ioerr.New(ioerr.NotListening, "net.Acceptor.Accept", nil)
	}
	nfd, err := h.Accept(c)
	if err != nil {
		return nil, err
	}
	nh, err := socket.Assign(a.ex, nfd)
	if err != nil {
		_ = unix.Close(nfd)
		return nil, err
	}
	remote, _ := FromSockaddr(mustGetpeername(nfd))
	return &StreamSocket[P]{ex: a.ex, handle: nh, connected: true, remote: remote}, nil
}

func mustGetpeername(fd int) unix.Sockaddr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return sa
}

// Cancel aborts a pending Accept.
func (a *Acceptor[P]) Cancel() {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h != nil {
		h.CancelRead()
	}
}

// Close closes the listening socket. Idempotent.
func (a *Acceptor[P]) Close() error {
	a.mu.Lock()
	h := a.handle
	a.handle = nil
	a.listening = false
	a.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// StreamSocket is a protocol-parameterised connected/connectable stream
// socket facade. Grounded on detail/net/basic_stream_socket_impl.hpp and
// detail/ip/tcp_socket_impl.hpp.
type StreamSocket[P Protocol] struct {
	ex    executor.IOExecutor
	proto P

	mu        sync.Mutex
	handle    *socket.Handle
	connected bool
	remote    Endpoint
}

// NewStreamSocket constructs an unopened StreamSocket bound to ex.
func NewStreamSocket[P Protocol](ex executor.IOExecutor) *StreamSocket[P] {
	return &StreamSocket[P]{ex: ex}
}

func (s *StreamSocket[P]) ensureOpen(family int) (*socket.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return s.handle, nil
	}
	fd, err := unix.Socket(family, s.proto.SockType(), s.proto.SockProto())
	if err != nil {
		return nil, ioerr.New(ioerr.Internal, "net.StreamSocket.ensureOpen", err)
	}
	h, err := socket.Open(s.ex, fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	s.handle = h
	return h, nil
}

// Connect lazy-opens a socket using ep's address family, then connects it.
func (s *StreamSocket[P]) Connect(c *coro.Ctx, ep Endpoint) error {
	h, err := s.ensureOpen(ep.Family())
	if err != nil {
		return err
	}
	sa, err := ep.ToSockaddr()
	if err != nil {
		return err
	}
	if err := h.Connect(c, sa); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.remote = ep
	s.mu.Unlock()
	return nil
}

// Assign adopts an already-connected native fd, e.g. from Acceptor.Accept.
func (s *StreamSocket[P]) Assign(fd int, remote Endpoint) error {
	h, err := socket.Assign(s.ex, fd)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handle = h
	s.connected = true
	s.remote = remote
	s.mu.Unlock()
	return nil
}

func (s *StreamSocket[P]) open() (*socket.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.connected
}

// Read reads some bytes into buf, per spec.md §4.10's "partial (some)"
// semantics — composing exact-size reads is streamio's job.
func (s *StreamSocket[P]) Read(c *coro.Ctx, buf []byte) (int, error) {
	h, connected := s.open()
	if !connected || h == nil {
		return 0, ioerr.New(ioerr.NotConnected, "net.StreamSocket.Read", nil)
	}
	return h.Read(c, buf)
}

// Write writes some bytes from buf, per spec.md §4.10's "partial (some)"
// semantics.
func (s *StreamSocket[P]) Write(c *coro.Ctx, buf []byte) (int, error) {
	h, connected := s.open()
	if !connected || h == nil {
		return 0, ioerr.New(ioerr.NotConnected, "net.StreamSocket.Write", nil)
	}
	return h.Write(c, buf)
}

// RemoteEndpoint returns the peer address, valid once connected.
func (s *StreamSocket[P]) RemoteEndpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// LocalEndpoint returns the local address, valid once open.
func (s *StreamSocket[P]) LocalEndpoint() (Endpoint, error) {
	h, _ := s.open()
	if h == nil {
		return Endpoint{}, ioerr.New(ioerr.NotOpen, "net.StreamSocket.LocalEndpoint", nil)
	}
	return localEndpoint(h)
}

// Cancel, CancelRead, CancelWrite abort in-flight operations.
func (s *StreamSocket[P]) Cancel()      { s.withHandle((*socket.Handle).Cancel) }
func (s *StreamSocket[P]) CancelRead()  { s.withHandle((*socket.Handle).CancelRead) }
func (s *StreamSocket[P]) CancelWrite() { s.withHandle((*socket.Handle).CancelWrite) }

func (s *StreamSocket[P]) withHandle(fn func(*socket.Handle)) {
	h, _ := s.open()
	if h != nil {
		fn(h)
	}
}

// Close closes the socket. Idempotent.
func (s *StreamSocket[P]) Close() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.connected = false
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// DatagramSocket is a protocol-parameterised connectionless socket facade.
// Grounded on the same detail/net/basic_stream_socket_impl.hpp shape,
// adapted for sendto/recvfrom instead of a fixed peer.
type DatagramSocket[P Protocol] struct {
	ex    executor.IOExecutor
	proto P

	mu     sync.Mutex
	handle *socket.Handle
	bound  Endpoint
}

// NewDatagramSocket constructs an unopened DatagramSocket bound to ex.
func NewDatagramSocket[P Protocol](ex executor.IOExecutor) *DatagramSocket[P] {
	return &DatagramSocket[P]{ex: ex}
}

// Bind opens a matching socket and binds it to ep. It returns an
// AlreadyConnected error if the socket is already open, whether from an
// earlier Bind or from SendTo's lazy open; an open socket is not rebound.
func (d *DatagramSocket[P]) Bind(ep Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return ioerr.New(ioerr.AlreadyConnected, "net.DatagramSocket.Bind", nil)
	}
	fd, err := unix.Socket(ep.Family(), d.proto.SockType(), d.proto.SockProto())
	if err != nil {
		return ioerr.New(ioerr.Internal, "net.DatagramSocket.Bind", err)
	}
	sa, err := ep.ToSockaddr()
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return ioerr.New(ioerr.Internal, "net.DatagramSocket.Bind", err)
	}
	h, err := socket.Open(d.ex, fd)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	d.handle = h
	if local, lerr := localEndpoint(h); lerr == nil {
		d.bound = local
	}
	return nil
}

// LocalEndpoint returns the bound address, valid after Bind.
func (d *DatagramSocket[P]) LocalEndpoint() Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

func (d *DatagramSocket[P]) open() *socket.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

func (d *DatagramSocket[P]) ensureOpen(family int) (*socket.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return d.handle, nil
	}
	fd, err := unix.Socket(family, d.proto.SockType(), d.proto.SockProto())
	if err != nil {
		return nil, ioerr.New(ioerr.Internal, "net.DatagramSocket.ensureOpen", err)
	}
	h, err := socket.Open(d.ex, fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	d.handle = h
	return h, nil
}

// SendTo lazy-opens a socket using dest's address family (if not already
// open) and sends buf as a single datagram to dest.
func (d *DatagramSocket[P]) SendTo(c *coro.Ctx, buf []byte, dest Endpoint) error {
	h, err := d.ensureOpen(dest.Family())
	if err != nil {
		return err
	}
	sa, err := dest.ToSockaddr()
	if err != nil {
		return err
	}
	return h.SendTo(c, buf, sa)
}

// RecvFrom suspends c's coroutine until a datagram arrives, requiring Bind
// or a prior SendTo to have opened the socket.
func (d *DatagramSocket[P]) RecvFrom(c *coro.Ctx, buf []byte) (int, Endpoint, error) {
	h := d.open()
	if h == nil {
		return 0, Endpoint{}, ioerr.New(ioerr.NotOpen, "net.DatagramSocket.RecvFrom", nil)
	}
	n, sa, err := h.RecvFrom(c, buf)
	if err != nil {
		return n, Endpoint{}, err
	}
	ep, cerr := FromSockaddr(sa)
	if cerr != nil {
		return n, Endpoint{}, cerr
	}
	return n, ep, nil
}

// Cancel, CancelRead, CancelWrite abort in-flight operations.
func (d *DatagramSocket[P]) Cancel()      { d.withHandle((*socket.Handle).Cancel) }
func (d *DatagramSocket[P]) CancelRead()  { d.withHandle((*socket.Handle).CancelRead) }
func (d *DatagramSocket[P]) CancelWrite() { d.withHandle((*socket.Handle).CancelWrite) }

func (d *DatagramSocket[P]) withHandle(fn func(*socket.Handle)) {
	if h := d.open(); h != nil {
		fn(h)
	}
}

// Close closes the socket. Idempotent.
func (d *DatagramSocket[P]) Close() error {
	d.mu.Lock()
	h := d.handle
	d.handle = nil
	d.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}
