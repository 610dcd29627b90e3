package netio

import (
	"context"
	"errors"
	"testing"
	"time"

	"net"
)

func TestReadExactlyDeliversFullBuffer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	go func() {
		// Dribble the bytes so the reader has to accumulate.
		for i := 0; i < len(payload); i += 100 {
			if _, err := server.Write(payload[i : i+100]); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, len(payload))
	if err := ReadExactly(context.Background(), client, buf, 5*time.Second); err != nil {
		t.Fatalf("ReadExactly failed: %v", err)
	}
	for i := range buf {
		if buf[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, buf[i], payload[i])
		}
	}
}

func TestReadExactlyTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	start := time.Now()
	err := ReadExactly(context.Background(), client, make([]byte, 16), 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("read blocked for %v, expected prompt timeout", elapsed)
	}
}

func TestReadExactlyCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := ReadExactly(ctx, client, make([]byte, 16), 10*time.Second)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestReadExactlyPeerClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = server.Write([]byte{1, 2, 3})
		_ = server.Close()
	}()

	err := ReadExactly(context.Background(), client, make([]byte, 16), 5*time.Second)
	if !errors.Is(err, ErrConnectionReset) {
		t.Fatalf("expected ErrConnectionReset, got %v", err)
	}
}

func TestWriteAllCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// Nobody reads from server, so the pipe write blocks until cancelled.
	err := WriteAll(ctx, client, make([]byte, 4096), 10*time.Second)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestBufferSizeThresholds(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, SmallBufferSize},
		{100, SmallBufferSize},
		{10*1024*1024 - 1, SmallBufferSize},
		{10 * 1024 * 1024, MediumBufferSize},
		{100*1024*1024 - 1, MediumBufferSize},
		{100 * 1024 * 1024, LargeBufferSize},
		{1 << 40, LargeBufferSize},
	}
	for _, tc := range cases {
		if got := BufferSizeFor(tc.size); got != tc.want {
			t.Errorf("BufferSizeFor(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestTypedHelpersRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		if err := WriteInt32LE(ctx, server, 1047, time.Second); err != nil {
			errCh <- err
			return
		}
		if err := WriteBool(ctx, server, true, time.Second); err != nil {
			errCh <- err
			return
		}
		errCh <- WriteAll(ctx, server, []byte("report.pdf"), time.Second)
	}()

	n, err := ReadInt32LE(ctx, client, time.Second)
	if err != nil {
		t.Fatalf("ReadInt32LE failed: %v", err)
	}
	if n != 1047 {
		t.Fatalf("ReadInt32LE = %d, want 1047", n)
	}

	accepted, err := ReadBool(ctx, client, time.Second)
	if err != nil {
		t.Fatalf("ReadBool failed: %v", err)
	}
	if !accepted {
		t.Fatal("ReadBool = false, want true")
	}

	name, err := ReadString(ctx, client, len("report.pdf"), time.Second)
	if err != nil {
		t.Fatalf("ReadString failed: %v", err)
	}
	if name != "report.pdf" {
		t.Fatalf("ReadString = %q, want %q", name, "report.pdf")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("writer side failed: %v", err)
	}
}
