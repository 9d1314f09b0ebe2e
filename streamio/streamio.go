// Package streamio implements the composed stream algorithms (C12):
// Read and Write compose socket.Handle's/net.StreamSocket's partial
// operations into exact-size transfers, and ReadUntil scans a growing
// buffer for a delimiter without rescanning bytes already searched.
// Grounded on
// _examples/original_source/include/iocoro/detail/net/basic_stream_socket_impl.hpp,
// whose async_read_some/async_write_some are the partial primitives these
// algorithms compose on top of.
package streamio

import (
	"bytes"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/ioerr"
)

// Reader is anything that performs one partial, possibly-suspending read
// per call, the shape socket.Handle and net.StreamSocket[P] both share.
type Reader interface {
	Read(c *coro.Ctx, buf []byte) (int, error)
}

// Writer is anything that performs one partial, possibly-suspending write
// per call.
type Writer interface {
	Write(c *coro.Ctx, buf []byte) (int, error)
}

// Read fills buf completely, issuing repeated partial reads against r until
// len(buf) bytes have been read, r reports an error, or r reaches EOF before
// buf is full. An EOF reached after at least one byte was read still counts
// as a short read and is reported as ioerr.EOF, per spec.md §4.12.
func Read(c *coro.Ctx, r Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(c, buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ioerr.New(ioerr.EOF, "streamio.Read", nil)
		}
	}
	return total, nil
}

// Write sends all of buf, issuing repeated partial writes against w until
// len(buf) bytes have been written or w reports an error. A write that
// makes zero progress without an error is treated as a broken pipe, per
// spec.md §4.12's "writes all; zero-progress → broken_pipe".
func Write(c *coro.Ctx, w Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(c, buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ioerr.New(ioerr.BrokenPipe, "streamio.Write", nil)
		}
	}
	return total, nil
}

// ReadUntil appends partial reads from r into out until delim is found,
// out reaches max bytes without a match, or r errors. It returns the
// offset into out one past the end of the first match. Only the suffix of
// out that could still straddle a chunk boundary is rescanned on each
// iteration, so cost is linear in the number of bytes read rather than
// quadratic in the number of read calls.
func ReadUntil(c *coro.Ctx, r Reader, out *bytes.Buffer, delim []byte, max int) (int, error) {
	searched := 0
	chunk := make([]byte, 4096)
	for {
		if idx := searchFrom(out.Bytes(), delim, searched); idx >= 0 {
			return idx + len(delim), nil
		}
		searched = out.Len() - (len(delim) - 1)
		if searched < 0 {
			searched = 0
		}
		if out.Len() >= max {
			return 0, ioerr.New(ioerr.MessageSize, "streamio.ReadUntil", nil)
		}
		readLen := len(chunk)
		if remaining := max - out.Len(); remaining < readLen {
			readLen = remaining
		}
		n, err := r.Read(c, chunk[:readLen])
		if n > 0 {
			out.Write(chunk[:n])
		}
		if err != nil {
			if ioerr.Is(err, ioerr.EOF) {
				return 0, ioerr.New(ioerr.EOF, "streamio.ReadUntil", nil)
			}
			return 0, err
		}
		if n == 0 {
			return 0, ioerr.New(ioerr.EOF, "streamio.ReadUntil", nil)
		}
	}
}

func searchFrom(buf, delim []byte, from int) int {
	if from >= len(buf) || len(delim) == 0 {
		return -1
	}
	idx := bytes.Index(buf[from:], delim)
	if idx < 0 {
		return -1
	}
	return from + idx
}
