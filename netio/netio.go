// Package netio provides bounded-time read/write primitives over a duplex
// byte stream. Every operation is limited by both a deadline and a caller
// cancellation signal; whichever fires first aborts the operation. A read
// either yields exactly the requested bytes or fails; short buffers are
// never returned.
package netio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrTimeout indicates the operation deadline expired.
	ErrTimeout = errors.New("netio: operation timed out")
	// ErrCancelled indicates the caller cancelled the operation.
	ErrCancelled = errors.New("netio: operation cancelled")
	// ErrConnectionReset indicates the peer closed the stream mid-operation.
	ErrConnectionReset = errors.New("netio: connection reset by peer")
)

const (
	smallFileLimit  = 10 * 1024 * 1024
	mediumFileLimit = 100 * 1024 * 1024

	// SmallBufferSize is used for files under 10 MiB.
	SmallBufferSize = 1024
	// MediumBufferSize is used for files under 100 MiB.
	MediumBufferSize = 4096
	// LargeBufferSize is used for everything bigger.
	LargeBufferSize = 16384
)

// BufferSizeFor picks a transfer buffer size from the file size.
func BufferSizeFor(fileSize int64) int {
	switch {
	case fileSize < smallFileLimit:
		return SmallBufferSize
	case fileSize < mediumFileLimit:
		return MediumBufferSize
	default:
		return LargeBufferSize
	}
}

// aLongTimeAgo forces an in-flight conn operation to fail immediately.
var aLongTimeAgo = time.Unix(1, 0)

// ReadExactly fills buf completely from conn or fails. The buffer contents
// are undefined after an error.
func ReadExactly(ctx context.Context, conn net.Conn, buf []byte, timeout time.Duration) error {
	if len(buf) == 0 {
		return ctx.Err()
	}
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	stop := watchCancel(ctx, conn)
	defer stop()

	_, err := io.ReadFull(conn, buf)
	return translate(ctx, err)
}

// WriteAll writes p completely to conn or fails.
func WriteAll(ctx context.Context, conn net.Conn, p []byte, timeout time.Duration) error {
	if len(p) == 0 {
		return ctx.Err()
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	stop := watchCancel(ctx, conn)
	defer stop()

	_, err := conn.Write(p)
	return translate(ctx, err)
}

// ReadInt32LE reads a 4-byte little-endian integer.
func ReadInt32LE(ctx context.Context, conn net.Conn, timeout time.Duration) (int32, error) {
	var buf [4]byte
	if err := ReadExactly(ctx, conn, buf[:], timeout); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteInt32LE writes a 4-byte little-endian integer.
func WriteInt32LE(ctx context.Context, conn net.Conn, v int32, timeout time.Duration) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return WriteAll(ctx, conn, buf[:], timeout)
}

// ReadBool reads one byte; any non-zero value is true.
func ReadBool(ctx context.Context, conn net.Conn, timeout time.Duration) (bool, error) {
	var buf [1]byte
	if err := ReadExactly(ctx, conn, buf[:], timeout); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// WriteBool writes one boolean byte.
func WriteBool(ctx context.Context, conn net.Conn, v bool, timeout time.Duration) error {
	b := byte(0)
	if v {
		b = 1
	}
	return WriteAll(ctx, conn, []byte{b}, timeout)
}

// ReadString reads exactly n UTF-8 bytes.
func ReadString(ctx context.Context, conn net.Conn, n int, timeout time.Duration) (string, error) {
	if n < 0 {
		return "", errors.New("netio: negative string length")
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := ReadExactly(ctx, conn, buf, timeout); err != nil {
		return "", err
	}
	return string(buf), nil
}

// watchCancel aborts in-flight conn I/O when ctx fires. The returned stop
// function must be called once the operation finishes.
func watchCancel(ctx context.Context, conn net.Conn) func() {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(aLongTimeAgo)
			_ = conn.SetWriteDeadline(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() { close(done) }
}

// translate normalizes transport errors into the netio taxonomy.
// Cancellation wins over timeout because cancelling an operation is
// implemented by expiring its deadline.
func translate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx != nil && ctx.Err() != nil {
		return ErrCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if isReset(err) {
		return ErrConnectionReset
	}
	return err
}

func isReset(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	// Some platforms surface aborts as plain string errors.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
