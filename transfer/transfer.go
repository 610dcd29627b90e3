// Package transfer implements direct file transfer between two devices on
// the same network: a TCP accept loop for the receiving role and a
// connect-request-stream sequence for the sending role. The wire protocol
// is a length-prefixed JSON request, a single boolean accept byte, then
// each file's raw bytes in declared order.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"windrop/models"
	"windrop/netio"
	"windrop/storage"
)

const (
	// DefaultPort is the well-known local transfer port.
	DefaultPort = 23969
	// DefaultSendTimeout bounds each outbound chunk write.
	DefaultSendTimeout = 15 * time.Second
	// DefaultReceiveTimeout bounds each inbound chunk read.
	DefaultReceiveTimeout = 15 * time.Second
	// DefaultResponseTimeout bounds the wait for the remote user's
	// accept/decline decision. Longer than the chunk timeouts because a
	// human sits on the other end.
	DefaultResponseTimeout = 2 * time.Minute

	// maxRequestSize caps the length-prefixed request payload.
	maxRequestSize = 4 * 1024 * 1024
)

var (
	// ErrBusy indicates a send or receive is already in flight.
	ErrBusy = errors.New("transfer: another transfer is already in progress")
	// ErrPeerDisconnected indicates the remote side closed mid-transfer.
	ErrPeerDisconnected = errors.New("transfer: peer disconnected")
	// ErrProtocolViolation indicates a malformed transfer request.
	ErrProtocolViolation = errors.New("transfer: malformed request payload")
)

// Direction labels progress events.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Progress reports cumulative bytes moved for one file.
type Progress struct {
	Direction   string
	Path        string
	Size        int64
	Transferred int64
}

// Options configures a local transfer engine. Callback fields are
// optional unless noted; they are invoked from engine goroutines.
type Options struct {
	// Identity is sent with every outbound transfer request.
	Identity models.DeviceIdentity
	// Storage decides where received files land.
	Storage storage.Provider

	// Port is the listening/connect TCP port. Zero selects an ephemeral
	// port, which tests rely on.
	Port int

	SendTimeout     time.Duration
	ReceiveTimeout  time.Duration
	ResponseTimeout time.Duration

	// OnSendFilesRequest decides whether an inbound request is accepted.
	// A nil predicate declines everything.
	OnSendFilesRequest func(request models.TransferRequest, sender net.Addr) bool

	OnReceivingFileStarted func(state models.FileState)
	OnReceivingFileFailed  func(path string, err error)
	OnReceivingFinished    func()
	OnFileProgress         func(progress Progress)
	OnSendingStopped       func()
	OnSendingFinished      func()
	OnError                func(err error)
}

func (o Options) withDefaults() Options {
	out := o
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.ReceiveTimeout <= 0 {
		out.ReceiveTimeout = DefaultReceiveTimeout
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	return out
}

// Engine is a local transfer engine instance. One outbound send and one
// inbound receive may be active at a time.
type Engine struct {
	opts Options

	// baseCtx bounds every receiving-role operation; Close cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	listening bool
	closed    bool

	sendMu        sync.Mutex
	sending       bool
	sendCancel    context.CancelFunc
	cancelledByUs bool

	recvMu    sync.Mutex
	receiving bool

	wg sync.WaitGroup
}

// NewEngine creates an engine with option defaults applied.
func NewEngine(options Options) (*Engine, error) {
	if options.Storage == nil {
		return nil, errors.New("transfer: storage provider is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:       options.withDefaults(),
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// Addr returns the listening address, or nil when not listening.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// StartListening starts the TCP accept loop. A second call while already
// listening is a no-op.
func (e *Engine) StartListening() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("transfer: engine is closed")
	}
	if e.listening {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", e.opts.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", e.opts.Port, err)
	}

	e.listener = listener
	e.listening = true

	e.wg.Add(1)
	go e.acceptLoop(listener)

	return nil
}

// StopListening closes the listener, unblocking the accept loop.
func (e *Engine) StopListening() {
	e.mu.Lock()
	if !e.listening {
		e.mu.Unlock()
		return
	}
	listener := e.listener
	e.listener = nil
	e.listening = false
	e.mu.Unlock()

	_ = listener.Close()
}

// IsListening reports whether the accept loop is running.
func (e *Engine) IsListening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// Close stops listening, cancels any in-flight send or receive and
// waits for connection handlers to drain.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.StopListening()
	e.CancelSending()
	e.baseCancel()
	e.wg.Wait()
}

func (e *Engine) acceptLoop(listener net.Listener) {
	defer e.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			e.mu.Lock()
			stopped := !e.listening || e.closed
			e.listener = nil
			e.listening = false
			e.mu.Unlock()

			if !stopped {
				e.reportError(fmt.Errorf("accept connection: %w", err))
			}
			return
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConn(conn)
		}()
	}
}

// StartSending connects to addr, sends a transfer request for the given
// file paths and streams the files on acceptance. It blocks until the
// attempt finishes; a concurrent call returns ErrBusy immediately.
func (e *Engine) StartSending(ctx context.Context, addr string, filePaths []string) error {
	if len(filePaths) == 0 {
		return errors.New("transfer: no files to send")
	}

	e.sendMu.Lock()
	if e.sending {
		e.sendMu.Unlock()
		return ErrBusy
	}
	sendCtx, cancel := context.WithCancel(ctx)
	e.sending = true
	e.sendCancel = cancel
	e.cancelledByUs = false
	e.sendMu.Unlock()

	defer func() {
		cancel()
		e.sendMu.Lock()
		e.sending = false
		e.sendCancel = nil
		e.sendMu.Unlock()
	}()

	err := e.runSend(sendCtx, addr, filePaths)
	if err == nil {
		return nil
	}
	if errors.Is(err, netio.ErrCancelled) && e.wasCancelledByUs() {
		// User-initiated stop is not an error.
		e.emitSendingStopped()
		return nil
	}
	e.reportError(err)
	return err
}

// CancelSending aborts the in-flight outbound transfer, if any, without
// surfacing an error to the user.
func (e *Engine) CancelSending() {
	e.sendMu.Lock()
	cancel := e.sendCancel
	if cancel != nil {
		e.cancelledByUs = true
	}
	e.sendMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (e *Engine) wasCancelledByUs() bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.cancelledByUs
}

func (e *Engine) runSend(ctx context.Context, addr string, filePaths []string) error {
	files := make([]models.FileMetadata, 0, len(filePaths))
	for _, path := range filePaths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat source file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("source %q is a directory", path)
		}
		files = append(files, models.FileMetadata{
			Name: filepath.Base(path),
			Size: info.Size(),
		})
	}

	dialer := net.Dialer{Timeout: e.opts.ResponseTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return netio.ErrCancelled
		}
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	request := models.TransferRequest{Sender: e.opts.Identity, Files: files}
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal transfer request: %w", err)
	}

	if err := netio.WriteInt32LE(ctx, conn, int32(len(payload)), e.opts.SendTimeout); err != nil {
		return translatePeerError(err)
	}
	if err := netio.WriteAll(ctx, conn, payload, e.opts.SendTimeout); err != nil {
		return translatePeerError(err)
	}

	accepted, err := netio.ReadBool(ctx, conn, e.opts.ResponseTimeout)
	if err != nil {
		return translatePeerError(err)
	}
	if !accepted {
		e.emitSendingStopped()
		return nil
	}

	for i, path := range filePaths {
		if err := e.sendFile(ctx, conn, path, files[i].Size); err != nil {
			return err
		}
	}

	if e.opts.OnSendingFinished != nil {
		e.opts.OnSendingFinished()
	}
	return nil
}

func (e *Engine) sendFile(ctx context.Context, conn net.Conn, path string, size int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	buf := make([]byte, netio.BufferSizeFor(size))
	var sent int64
	for sent < size {
		n, err := file.Read(buf)
		if n > 0 {
			if err := netio.WriteAll(ctx, conn, buf[:n], e.opts.SendTimeout); err != nil {
				return translatePeerError(err)
			}
			sent += int64(n)
			e.emitProgress(Progress{
				Direction:   DirectionSend,
				Path:        path,
				Size:        size,
				Transferred: sent,
			})
		}
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}
	}
	return nil
}

func (e *Engine) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := e.baseCtx

	length, err := netio.ReadInt32LE(ctx, conn, e.opts.ReceiveTimeout)
	if err != nil {
		return
	}
	if length <= 0 || length > maxRequestSize {
		e.reportError(fmt.Errorf("%w: request length %d", ErrProtocolViolation, length))
		return
	}

	payload := make([]byte, length)
	if err := netio.ReadExactly(ctx, conn, payload, e.opts.ReceiveTimeout); err != nil {
		return
	}

	var request models.TransferRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		e.reportError(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	accepted := false
	claimed := false
	if e.opts.OnSendFilesRequest != nil && e.beginReceiving() {
		claimed = true
		accepted = e.opts.OnSendFilesRequest(request, conn.RemoteAddr())
	}
	if claimed && !accepted {
		e.endReceiving()
		claimed = false
	}
	if claimed {
		defer e.endReceiving()
	}

	if err := netio.WriteBool(ctx, conn, accepted, e.opts.ReceiveTimeout); err != nil {
		return
	}
	if !accepted {
		return
	}

	for _, meta := range request.Files {
		if err := e.receiveFile(ctx, conn, meta); err != nil {
			return
		}
	}

	if e.opts.OnReceivingFinished != nil {
		e.opts.OnReceivingFinished()
	}
}

func (e *Engine) receiveFile(ctx context.Context, conn net.Conn, meta models.FileMetadata) (err error) {
	path := storage.UniquePath(meta.Name, e.opts.Storage.SaveFolder())

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	// Whatever happens below, a failed file never survives on disk.
	defer func() {
		closeErr := file.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			storage.DeleteIfExists(path)
			if e.opts.OnReceivingFileFailed != nil {
				e.opts.OnReceivingFileFailed(path, err)
			}
		}
	}()

	if e.opts.OnReceivingFileStarted != nil {
		e.opts.OnReceivingFileStarted(models.FileState{
			Path:   path,
			Size:   meta.Size,
			Status: models.StatusInProgress,
		})
	}

	buf := make([]byte, netio.BufferSizeFor(meta.Size))
	var received int64
	for received < meta.Size {
		chunk := int64(len(buf))
		if remaining := meta.Size - received; remaining < chunk {
			chunk = remaining
		}
		if err := netio.ReadExactly(ctx, conn, buf[:chunk], e.opts.ReceiveTimeout); err != nil {
			return translatePeerError(err)
		}
		if _, err := file.Write(buf[:chunk]); err != nil {
			return fmt.Errorf("write destination file: %w", err)
		}
		received += chunk
		e.emitProgress(Progress{
			Direction:   DirectionReceive,
			Path:        path,
			Size:        meta.Size,
			Transferred: received,
		})
	}

	return nil
}

func (e *Engine) beginReceiving() bool {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	if e.receiving {
		return false
	}
	e.receiving = true
	return true
}

func (e *Engine) endReceiving() {
	e.recvMu.Lock()
	e.receiving = false
	e.recvMu.Unlock()
}

func (e *Engine) emitProgress(progress Progress) {
	if e.opts.OnFileProgress != nil {
		e.opts.OnFileProgress(progress)
	}
}

func (e *Engine) emitSendingStopped() {
	if e.opts.OnSendingStopped != nil {
		e.opts.OnSendingStopped()
	}
}

func (e *Engine) reportError(err error) {
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}

// translatePeerError maps transport-level resets onto the engine's
// peer-disconnect error; timeouts and cancellations pass through.
func translatePeerError(err error) error {
	if errors.Is(err, netio.ErrConnectionReset) {
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}
	return err
}
