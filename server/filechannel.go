package server

import (
	"errors"
	"io"
	"sync"
)

// DefaultChannelCapacity bounds how many chunks a relay buffers per
// file before the sender is backpressured.
const DefaultChannelCapacity = 64

// ErrChannelClosed indicates a write or read against a channel that
// was closed without a specific fault.
var ErrChannelClosed = errors.New("server: file channel closed")

// FileChannel is a bounded single-producer single-consumer chunk queue
// bridging a sender's inbound stream and a receiver's outbound stream.
// Closing with a fault unblocks both sides immediately; a clean close
// lets the reader drain buffered chunks before io.EOF.
type FileChannel struct {
	chunks chan []byte
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error

	last bool
}

// NewFileChannel creates a channel buffering up to capacity chunks.
func NewFileChannel(capacity int, last bool) *FileChannel {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &FileChannel{
		chunks: make(chan []byte, capacity),
		done:   make(chan struct{}),
		last:   last,
	}
}

// Last reports whether this channel carries the final file of a batch.
func (c *FileChannel) Last() bool { return c.last }

// Write enqueues one chunk, blocking while the buffer is full. It
// fails once the channel is closed.
func (c *FileChannel) Write(chunk []byte) error {
	select {
	case <-c.done:
		return c.closeError()
	default:
	}

	select {
	case c.chunks <- chunk:
		return nil
	case <-c.done:
		return c.closeError()
	}
}

// Read dequeues the next chunk, blocking until one arrives or the
// channel closes. After a clean close it drains buffered chunks and
// then returns io.EOF; a faulted close surfaces the fault at once.
func (c *FileChannel) Read() ([]byte, error) {
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-c.done:
		if err := c.fault(); err != nil {
			return nil, err
		}
		// Clean close: a chunk may have been enqueued just before.
		select {
		case chunk := <-c.chunks:
			return chunk, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close terminates the channel. A nil err is a clean completion; a
// non-nil err is a fault that both sides observe. Only the first call
// has effect.
func (c *FileChannel) Close(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *FileChannel) fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *FileChannel) closeError() error {
	if err := c.fault(); err != nil {
		return err
	}
	return ErrChannelClosed
}
