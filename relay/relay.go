// Package relay implements the client side of server-relayed transfers
// for devices that do not share a network: one persistent hub
// connection carrying transfer requests, per-file announcements and
// chunked file streams.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"windrop/hub"
	"windrop/models"
	"windrop/netio"
	"windrop/storage"
)

// ConnectionState describes the hub connection lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session id digit bounds, matching what the relay server issues.
const (
	sessionIDMin int64 = 10_000_000_000
	sessionIDMax int64 = 99_999_999_999
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 15 * time.Second

var (
	// ErrInvalidSessionID indicates a receiver session id without
	// exactly 11 digits. Raised before any network traffic.
	ErrInvalidSessionID = errors.New("relay: session id must have 11 digits")
	// ErrNotConnected indicates an operation that needs a live hub
	// connection.
	ErrNotConnected = errors.New("relay: not connected to relay server")
	// ErrBusy indicates a send is already in flight.
	ErrBusy = errors.New("relay: another send is already in progress")
	// ErrTransferIncomplete indicates a received file whose byte count
	// does not match the declared size.
	ErrTransferIncomplete = errors.New("relay: received bytes do not match declared size")
)

// Progress reports cumulative bytes for one relayed file.
type Progress struct {
	Path        string
	Size        int64
	Transferred int64
}

// Options configures a relay engine. All callbacks are optional and
// run on engine goroutines.
type Options struct {
	// URL is the relay server hub endpoint, e.g. ws://host:5000/filehub.
	URL string
	// Storage decides where received files land.
	Storage storage.Provider

	DialTimeout time.Duration

	// OnSendFilesRequest decides whether an inbound relayed request is
	// accepted. A nil predicate declines everything.
	OnSendFilesRequest func(request models.RelayRequest) bool

	OnConnected    func(sessionID int64)
	OnDisconnected func()

	OnSendingStarted  func()
	OnSendingStopped  func()
	OnSendingFinished func()

	OnReceivingFileStarted func(state models.FileState)
	OnReceivingFileFailed  func(path string, err error)
	OnReceivingFinished    func()
	OnFileProgress         func(progress Progress)

	// Counterpart notifications pushed by the server.
	OnSendingCancelled     func()
	OnReceivingCancelled   func()
	OnSenderDisconnected   func()
	OnReceiverDisconnected func()

	OnError func(err error)
}

func (o Options) withDefaults() Options {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	return out
}

// inboundFile is one file currently streaming in from the server.
type inboundFile struct {
	file     *os.File
	path     string
	size     int64
	received int64
	isLast   bool
}

// Engine is a relay client. Create with NewEngine, call Connect, then
// StartSending or wait for inbound requests.
type Engine struct {
	opts Options

	mu        sync.Mutex
	state     ConnectionState
	conn      *hub.Conn
	sessionID int64

	sendMu     sync.Mutex
	sending    bool
	receiverID int64
	sendPaths  []string
	sendFiles  []models.FileMetadata
	sendCancel context.CancelFunc

	recvMu    sync.Mutex
	receiving bool
	streams   map[uuid.UUID]*inboundFile

	wg sync.WaitGroup
}

// NewEngine creates an engine; it does not connect yet.
func NewEngine(options Options) (*Engine, error) {
	if options.URL == "" {
		return nil, errors.New("relay: server URL is required")
	}
	if options.Storage == nil {
		return nil, errors.New("relay: storage provider is required")
	}
	return &Engine{
		opts:    options.withDefaults(),
		streams: make(map[uuid.UUID]*inboundFile),
	}, nil
}

// State returns the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the id assigned by the server, zero before the
// HubConnected push arrives.
func (e *Engine) SessionID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Connect dials the relay server and starts the read loop. Calling it
// while not disconnected is a no-op.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return nil
	}
	e.state = StateConnecting
	url := e.opts.URL
	e.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: e.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		e.mu.Lock()
		e.state = StateDisconnected
		e.mu.Unlock()
		return fmt.Errorf("connect to relay server %s: %w", url, err)
	}

	conn := hub.NewConn(ws)
	e.mu.Lock()
	e.conn = conn
	e.state = StateConnected
	e.mu.Unlock()

	e.wg.Add(1)
	go e.readLoop(conn)
	return nil
}

// Disconnect closes the hub connection. In-flight transfers fail and
// all session state resets.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close disconnects and waits for engine goroutines to drain.
func (e *Engine) Close() {
	e.Disconnect()
	e.wg.Wait()
}

// StartSending asks the server to forward a transfer request to the
// receiver session. The id is validated before any network traffic.
// Streaming begins when the receiver accepts.
func (e *Engine) StartSending(receiverSessionID int64, filePaths []string) error {
	if receiverSessionID < sessionIDMin || receiverSessionID > sessionIDMax {
		return ErrInvalidSessionID
	}
	if len(filePaths) == 0 {
		return errors.New("relay: no files to send")
	}

	files := make([]models.FileMetadata, 0, len(filePaths))
	for _, path := range filePaths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat source file: %w", err)
		}
		files = append(files, models.FileMetadata{
			Name: filepath.Base(path),
			Size: info.Size(),
		})
	}

	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	conn := e.conn
	sessionID := e.sessionID
	e.mu.Unlock()

	e.sendMu.Lock()
	if e.sending {
		e.sendMu.Unlock()
		return ErrBusy
	}
	e.sending = true
	e.receiverID = receiverSessionID
	e.sendPaths = filePaths
	e.sendFiles = files
	e.sendMu.Unlock()

	err := conn.Invoke(hub.MethodSendRequest, hub.SendRequestArgs{
		ReceiverSessionID: receiverSessionID,
		Request:           models.RelayRequest{SenderSessionID: sessionID, Files: files},
	})
	if err != nil {
		e.stopSending(false)
		return fmt.Errorf("send transfer request: %w", err)
	}

	if e.opts.OnSendingStarted != nil {
		e.opts.OnSendingStarted()
	}
	return nil
}

// CancelSending aborts the outbound transfer and notifies the
// receiver through the server.
func (e *Engine) CancelSending() {
	e.sendMu.Lock()
	wasSending := e.sending
	conn := e.currentConn()
	e.sendMu.Unlock()
	if !wasSending {
		return
	}

	if conn != nil {
		if err := conn.Invoke(hub.MethodCancelSending, nil); err != nil {
			e.reportError(fmt.Errorf("notify cancel: %w", err))
		}
	}
	e.stopSending(true)
}

// CancelReceiving aborts all inbound streams and notifies the sender
// through the server.
func (e *Engine) CancelReceiving() {
	e.recvMu.Lock()
	wasReceiving := e.receiving
	e.recvMu.Unlock()
	if !wasReceiving {
		return
	}

	if conn := e.currentConn(); conn != nil {
		if err := conn.Invoke(hub.MethodCancelReceiving, nil); err != nil {
			e.reportError(fmt.Errorf("notify cancel: %w", err))
		}
	}
	e.abortInbound(errors.New("relay: receiving cancelled"))
}

func (e *Engine) currentConn() *hub.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Engine) readLoop(conn *hub.Conn) {
	defer e.wg.Done()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			e.onClosed()
			return
		}
		e.handleFrame(conn, frame)
	}
}

func (e *Engine) handleFrame(conn *hub.Conn, frame *hub.Frame) {
	if frame.IsChunk() {
		e.onChunk(frame)
		return
	}

	var err error
	switch frame.Method {
	case hub.MethodHubConnected:
		err = e.onHubConnected(frame)
	case hub.MethodReceiveRequest:
		err = e.onReceiveRequest(conn, frame)
	case hub.MethodReceiveResponse:
		err = e.onReceiveResponse(conn, frame)
	case hub.MethodStartReceivingFile:
		err = e.onStartReceivingFile(conn, frame)
	case hub.MethodEndOfStream:
		err = e.onEndOfStream(frame)
	case hub.MethodSendingCancelled:
		e.abortInbound(errors.New("relay: sender cancelled"))
		if e.opts.OnSendingCancelled != nil {
			e.opts.OnSendingCancelled()
		}
	case hub.MethodReceivingCancelled:
		e.stopSending(true)
		if e.opts.OnReceivingCancelled != nil {
			e.opts.OnReceivingCancelled()
		}
	case hub.MethodSenderDisconnected:
		e.abortInbound(errors.New("relay: sender disconnected"))
		if e.opts.OnSenderDisconnected != nil {
			e.opts.OnSenderDisconnected()
		}
	case hub.MethodReceiverDisconnected:
		e.stopSending(true)
		if e.opts.OnReceiverDisconnected != nil {
			e.opts.OnReceiverDisconnected()
		}
	}
	if err != nil {
		e.reportError(err)
	}
}

func (e *Engine) onHubConnected(frame *hub.Frame) error {
	var args hub.ConnectedArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	e.mu.Lock()
	e.sessionID = args.SessionID
	e.mu.Unlock()

	if e.opts.OnConnected != nil {
		e.opts.OnConnected(args.SessionID)
	}
	return nil
}

func (e *Engine) onReceiveRequest(conn *hub.Conn, frame *hub.Frame) error {
	var request models.RelayRequest
	if err := frame.Decode(&request); err != nil {
		return err
	}

	accepted := false
	if e.opts.OnSendFilesRequest != nil && e.beginReceiving() {
		accepted = e.opts.OnSendFilesRequest(request)
		if !accepted {
			e.endReceiving()
		}
	}

	return conn.Invoke(hub.MethodSendResponse, hub.SendResponseArgs{
		SenderSessionID: request.SenderSessionID,
		Accepted:        accepted,
	})
}

func (e *Engine) onReceiveResponse(conn *hub.Conn, frame *hub.Frame) error {
	var args hub.ReceiveResponseArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	e.sendMu.Lock()
	if !e.sending {
		e.sendMu.Unlock()
		return nil
	}
	if !args.Accepted {
		e.sendMu.Unlock()
		e.stopSending(true)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.sendCancel = cancel
	receiverID := e.receiverID
	paths := e.sendPaths
	files := e.sendFiles
	e.sendMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.streamFiles(ctx, conn, receiverID, paths, files)
	}()
	return nil
}

// streamFiles pushes the accepted batch through the server, one file
// at a time in declared order.
func (e *Engine) streamFiles(ctx context.Context, conn *hub.Conn, receiverID int64, paths []string, files []models.FileMetadata) {
	for i, path := range paths {
		isLast := i == len(paths)-1
		fileID := uuid.New()

		if err := conn.Invoke(hub.MethodStartSendingFile, hub.StartSendingFileArgs{
			ReceiverSessionID: receiverID,
			File:              files[i],
			FileID:            fileID,
			IsLast:            isLast,
		}); err != nil {
			e.reportError(fmt.Errorf("announce file: %w", err))
			e.stopSending(true)
			return
		}
		if err := conn.Invoke(hub.MethodSendFile, hub.SendFileArgs{
			ReceiverSessionID: receiverID,
			FileID:            fileID,
			IsLast:            isLast,
		}); err != nil {
			e.reportError(fmt.Errorf("open stream: %w", err))
			e.stopSending(true)
			return
		}

		if err := e.streamFile(ctx, conn, fileID, path, files[i].Size); err != nil {
			_ = conn.EndStream(fileID, err.Error())
			if !errors.Is(err, context.Canceled) {
				e.reportError(err)
			}
			e.stopSending(true)
			return
		}
		if err := conn.EndStream(fileID, ""); err != nil {
			e.reportError(fmt.Errorf("end stream: %w", err))
			e.stopSending(true)
			return
		}
	}

	e.stopSending(false)
	if e.opts.OnSendingFinished != nil {
		e.opts.OnSendingFinished()
	}
}

func (e *Engine) streamFile(ctx context.Context, conn *hub.Conn, fileID uuid.UUID, path string, size int64) error {
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
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := file.Read(buf)
		if n > 0 {
			if err := conn.SendChunk(fileID, buf[:n]); err != nil {
				return fmt.Errorf("send chunk: %w", err)
			}
			sent += int64(n)
			e.emitProgress(Progress{Path: path, Size: size, Transferred: sent})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read source file: %w", err)
		}
	}
	return nil
}

func (e *Engine) onStartReceivingFile(conn *hub.Conn, frame *hub.Frame) error {
	var args hub.StartReceivingFileArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	path := storage.UniquePath(args.File.Name, e.opts.Storage.SaveFolder())
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	e.recvMu.Lock()
	e.streams[args.FileID] = &inboundFile{
		file:   file,
		path:   path,
		size:   args.File.Size,
		isLast: args.IsLast,
	}
	e.recvMu.Unlock()

	if e.opts.OnReceivingFileStarted != nil {
		e.opts.OnReceivingFileStarted(models.FileState{
			Path:   path,
			Size:   args.File.Size,
			Status: models.StatusInProgress,
		})
	}

	return conn.Invoke(hub.MethodReceiveFile, hub.ReceiveFileArgs{FileID: args.FileID})
}

func (e *Engine) onChunk(frame *hub.Frame) {
	e.recvMu.Lock()
	stream, ok := e.streams[frame.FileID]
	e.recvMu.Unlock()
	if !ok {
		return
	}

	if _, err := stream.file.Write(frame.Chunk); err != nil {
		e.failInbound(frame.FileID, fmt.Errorf("write destination file: %w", err))
		return
	}
	stream.received += int64(len(frame.Chunk))
	e.emitProgress(Progress{Path: stream.path, Size: stream.size, Transferred: stream.received})
}

// onEndOfStream finishes one inbound file: a clean end with the right
// byte count completes it, anything else deletes the partial file.
func (e *Engine) onEndOfStream(frame *hub.Frame) error {
	var args hub.EndOfStreamArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	e.recvMu.Lock()
	stream, ok := e.streams[args.FileID]
	delete(e.streams, args.FileID)
	e.recvMu.Unlock()
	if !ok {
		return nil
	}

	closeErr := stream.file.Close()

	var failure error
	switch {
	case args.Fault != "":
		failure = errors.New(args.Fault)
	case closeErr != nil:
		failure = closeErr
	case stream.received != stream.size:
		failure = fmt.Errorf("%w: got %d of %d bytes", ErrTransferIncomplete, stream.received, stream.size)
	}

	if failure != nil {
		storage.DeleteIfExists(stream.path)
		if e.opts.OnReceivingFileFailed != nil {
			e.opts.OnReceivingFileFailed(stream.path, failure)
		}
		// The sender stops the batch on any error, so a failed file is
		// always the batch's end; keeping the slot would auto-decline
		// every later request.
		e.endReceiving()
		return nil
	}

	if stream.isLast {
		e.endReceiving()
		if e.opts.OnReceivingFinished != nil {
			e.opts.OnReceivingFinished()
		}
	}
	return nil
}

// onClosed resets every piece of session state after the hub
// connection drops.
func (e *Engine) onClosed() {
	e.mu.Lock()
	e.conn = nil
	e.sessionID = 0
	e.state = StateDisconnected
	e.mu.Unlock()

	e.stopSending(true)
	e.abortInbound(errors.New("relay: connection closed"))

	if e.opts.OnDisconnected != nil {
		e.opts.OnDisconnected()
	}
}

// stopSending clears the outbound state; notify controls whether the
// stopped callback fires.
func (e *Engine) stopSending(notify bool) {
	e.sendMu.Lock()
	wasSending := e.sending
	cancel := e.sendCancel
	e.sending = false
	e.receiverID = 0
	e.sendPaths = nil
	e.sendFiles = nil
	e.sendCancel = nil
	e.sendMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasSending && notify && e.opts.OnSendingStopped != nil {
		e.opts.OnSendingStopped()
	}
}

// abortInbound deletes every partially received file.
func (e *Engine) abortInbound(cause error) {
	e.recvMu.Lock()
	streams := e.streams
	e.streams = make(map[uuid.UUID]*inboundFile)
	e.receiving = false
	e.recvMu.Unlock()

	for _, stream := range streams {
		_ = stream.file.Close()
		storage.DeleteIfExists(stream.path)
		if e.opts.OnReceivingFileFailed != nil {
			e.opts.OnReceivingFileFailed(stream.path, cause)
		}
	}
}

func (e *Engine) failInbound(fileID uuid.UUID, cause error) {
	e.recvMu.Lock()
	stream, ok := e.streams[fileID]
	delete(e.streams, fileID)
	e.recvMu.Unlock()
	if !ok {
		return
	}

	_ = stream.file.Close()
	storage.DeleteIfExists(stream.path)
	if e.opts.OnReceivingFileFailed != nil {
		e.opts.OnReceivingFileFailed(stream.path, cause)
	}
	e.endReceiving()
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

func (e *Engine) reportError(err error) {
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}
