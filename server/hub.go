// Package server implements the relay: a websocket hub that assigns
// session ids, brokers transfer requests between clients and pumps
// file chunk streams from sender to receiver through bounded channels.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"windrop/hub"
)

// Channel close faults. The fault text is forwarded to the receiver in
// the terminating stream frame.
var (
	ErrSendingCancelled   = errors.New("sending cancelled by sender")
	ErrReceivingCancelled = errors.New("receiving cancelled by receiver")
	ErrPeerDisconnected   = errors.New("peer disconnected")
)

// Hub is the relay server's websocket handler.
type Hub struct {
	registry *Registry
	sessions *SessionManager
	logger   *log.Logger
	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[string]*hub.Conn
}

// NewHub creates a hub with fresh registry and session state. A nil
// logger falls back to the standard logger.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		registry: NewRegistry(),
		sessions: NewSessionManager(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*hub.Conn),
	}
}

// Registry exposes the connection/session id mapping.
func (h *Hub) Registry() *Registry { return h.registry }

// Sessions exposes the live session manager.
func (h *Hub) Sessions() *SessionManager { return h.sessions }

// ServeHTTP upgrades the request and serves the hub protocol until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("relay: upgrade failed: %v", err)
		return
	}
	h.serveConn(hub.NewConn(ws))
}

func (h *Hub) serveConn(conn *hub.Conn) {
	connectionID := uuid.NewString()
	sessionID := h.registry.Add(connectionID)

	h.connsMu.Lock()
	h.conns[connectionID] = conn
	h.connsMu.Unlock()

	defer h.onDisconnected(connectionID, conn)

	if err := conn.Invoke(hub.MethodHubConnected, hub.ConnectedArgs{SessionID: sessionID}); err != nil {
		h.logger.Printf("relay: push session id: %v", err)
		return
	}
	h.logger.Printf("relay: connection %s assigned session %d", connectionID, sessionID)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		h.dispatch(connectionID, conn, frame)
	}
}

// dispatch routes one frame. A panic in a handler is confined to that
// call so a single bad frame cannot take the hub down.
func (h *Hub) dispatch(connectionID string, conn *hub.Conn, frame *hub.Frame) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("relay: handler panic on %s: %v", connectionID, r)
		}
	}()

	if frame.IsChunk() {
		h.onChunk(connectionID, frame)
		return
	}

	var err error
	switch frame.Method {
	case hub.MethodSendRequest:
		err = h.onSendRequest(frame)
	case hub.MethodSendResponse:
		err = h.onSendResponse(connectionID, frame)
	case hub.MethodStartSendingFile:
		err = h.onStartSendingFile(connectionID, frame)
	case hub.MethodSendFile:
		err = h.onSendFile(connectionID, frame)
	case hub.MethodEndOfStream:
		err = h.onEndOfStream(connectionID, frame)
	case hub.MethodReceiveFile:
		err = h.onReceiveFile(connectionID, conn, frame)
	case hub.MethodCancelSending:
		h.onCancelSending(connectionID)
	case hub.MethodCancelReceiving:
		h.onCancelReceiving(connectionID)
	default:
		h.logger.Printf("relay: unknown method %q from %s", frame.Method, connectionID)
	}
	if err != nil {
		h.logger.Printf("relay: %s from %s: %v", frame.Method, connectionID, err)
	}
}

// onSendRequest forwards a transfer request to the named receiver. A
// request for a session that is not connected is dropped silently.
func (h *Hub) onSendRequest(frame *hub.Frame) error {
	var args hub.SendRequestArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	receiverConn, ok := h.connBySession(args.ReceiverSessionID)
	if !ok {
		return nil
	}
	return receiverConn.Invoke(hub.MethodReceiveRequest, args.Request)
}

// onSendResponse relays the receiver's decision back to the sender and,
// on acceptance, establishes the session pair.
func (h *Hub) onSendResponse(connectionID string, frame *hub.Frame) error {
	var args hub.SendResponseArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	senderConnectionID, ok := h.registry.ConnectionID(args.SenderSessionID)
	if !ok {
		return nil
	}

	if args.Accepted {
		h.sessions.TryAdd(senderConnectionID, connectionID)
	}

	senderConn, ok := h.conn(senderConnectionID)
	if !ok {
		return nil
	}
	return senderConn.Invoke(hub.MethodReceiveResponse, hub.ReceiveResponseArgs{Accepted: args.Accepted})
}

// onStartSendingFile opens the chunk channel for one file and announces
// it to the receiver. The announcement is held back until the previous
// file of the batch has fully drained to the receiver, so a new
// StartReceivingFile can never overtake in-flight chunks. Blocking here
// stalls the sender's read loop, which is the intended backpressure.
func (h *Hub) onStartSendingFile(connectionID string, frame *hub.Frame) error {
	var args hub.StartSendingFileArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	receiverConnectionID, ok := h.registry.ConnectionID(args.ReceiverSessionID)
	if !ok {
		return nil
	}
	session := h.sessions.GetBySenderAndReceiver(connectionID, receiverConnectionID)
	if session == nil {
		return fmt.Errorf("no session for sender %s", connectionID)
	}

	session.CreateChannel(args.FileID, DefaultChannelCapacity, args.IsLast)
	if previous := session.BeginFile(args.FileID); previous != nil {
		<-previous
	}

	receiverConn, ok := h.conn(receiverConnectionID)
	if !ok {
		return nil
	}
	return receiverConn.Invoke(hub.MethodStartReceivingFile, hub.StartReceivingFileArgs{
		File:   args.File,
		FileID: args.FileID,
		IsLast: args.IsLast,
	})
}

// onSendFile validates that the announced stream has a channel waiting.
// The chunks themselves arrive as binary frames routed by file id.
func (h *Hub) onSendFile(connectionID string, frame *hub.Frame) error {
	var args hub.SendFileArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	receiverConnectionID, ok := h.registry.ConnectionID(args.ReceiverSessionID)
	if !ok {
		return nil
	}
	session := h.sessions.GetBySenderAndReceiver(connectionID, receiverConnectionID)
	if session == nil {
		return fmt.Errorf("no session for sender %s", connectionID)
	}
	if _, ok := session.Channel(args.FileID); !ok {
		return fmt.Errorf("no channel for file %s", args.FileID)
	}
	return nil
}

// onChunk feeds one sender chunk into its file channel. The channel is
// resolved by file id across all of the caller's sender sessions, since
// one connection may be sending to several receivers at once. Blocking
// here backpressures the read loop, and with it the sender.
func (h *Hub) onChunk(connectionID string, frame *hub.Frame) {
	_, channel := h.sessions.FindBySenderAndFile(connectionID, frame.FileID)
	if channel == nil {
		return
	}
	if err := channel.Write(frame.Chunk); err != nil {
		h.logger.Printf("relay: drop chunk for %s: %v", frame.FileID, err)
	}
}

// onEndOfStream closes the sender side of a file channel. A clean end
// lets the pump drain; a fault ends the whole batch, because the sender
// stops streaming after any error: the session is torn down and the
// receiver is told that sending was cancelled.
func (h *Hub) onEndOfStream(connectionID string, frame *hub.Frame) error {
	var args hub.EndOfStreamArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	session, channel := h.sessions.FindBySenderAndFile(connectionID, args.FileID)
	if channel == nil {
		return nil
	}

	if args.Fault == "" {
		channel.Close(nil)
		return nil
	}

	fault := errors.New(args.Fault)
	channel.Close(fault)
	h.sessions.Remove(session)
	session.CloseChannels(fault)
	if receiverConn, ok := h.conn(session.ReceiverConnectionID); ok {
		if err := receiverConn.Invoke(hub.MethodSendingCancelled, nil); err != nil {
			h.logger.Printf("relay: notify receiver: %v", err)
		}
	}
	return nil
}

// onReceiveFile pumps a file channel to the receiver as binary frames.
// The pump runs on its own goroutine so the receiver's read loop stays
// free for cancellations.
func (h *Hub) onReceiveFile(connectionID string, conn *hub.Conn, frame *hub.Frame) error {
	var args hub.ReceiveFileArgs
	if err := frame.Decode(&args); err != nil {
		return err
	}

	session, channel := h.sessions.FindByReceiverAndFile(connectionID, args.FileID)
	if channel == nil {
		return fmt.Errorf("no channel for file %s", args.FileID)
	}

	go h.pumpChannel(session, channel, args.FileID, conn)
	return nil
}

func (h *Hub) pumpChannel(session *Session, channel *FileChannel, fileID uuid.UUID, conn *hub.Conn) {
	defer session.FinishFile(fileID)

	var fault string
	for {
		chunk, err := channel.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fault = err.Error()
			break
		}
		if err := conn.SendChunk(fileID, chunk); err != nil {
			channel.Close(ErrPeerDisconnected)
			session.RemoveChannel(fileID)
			return
		}
	}

	if err := conn.EndStream(fileID, fault); err != nil {
		h.logger.Printf("relay: end stream %s: %v", fileID, err)
	}
	session.RemoveChannel(fileID)

	// The batch is complete once the last file drained cleanly.
	if channel.Last() && fault == "" {
		h.sessions.Remove(session)
	}
}

// onCancelSending tears the sender's session down and tells the
// receiver.
func (h *Hub) onCancelSending(connectionID string) {
	for _, session := range h.sessions.RemoveBySender(connectionID) {
		session.CloseChannels(ErrSendingCancelled)
		if receiverConn, ok := h.conn(session.ReceiverConnectionID); ok {
			if err := receiverConn.Invoke(hub.MethodSendingCancelled, nil); err != nil {
				h.logger.Printf("relay: notify receiver: %v", err)
			}
		}
	}
}

// onCancelReceiving tears the receiver's session down and tells the
// sender.
func (h *Hub) onCancelReceiving(connectionID string) {
	for _, session := range h.sessions.RemoveByReceiver(connectionID) {
		session.CloseChannels(ErrReceivingCancelled)
		if senderConn, ok := h.conn(session.SenderConnectionID); ok {
			if err := senderConn.Invoke(hub.MethodReceivingCancelled, nil); err != nil {
				h.logger.Printf("relay: notify sender: %v", err)
			}
		}
	}
}

// onDisconnected releases everything the connection held: its registry
// entry and every session it took part in. The counterpart of each
// removed session gets exactly one notification naming the vanished
// role.
func (h *Hub) onDisconnected(connectionID string, conn *hub.Conn) {
	_ = conn.Close()

	h.connsMu.Lock()
	delete(h.conns, connectionID)
	h.connsMu.Unlock()

	for _, session := range h.sessions.RemoveByConnectionID(connectionID) {
		session.CloseChannels(ErrPeerDisconnected)

		method := hub.MethodSenderDisconnected
		counterpartID := session.ReceiverConnectionID
		if session.ReceiverConnectionID == connectionID {
			method = hub.MethodReceiverDisconnected
			counterpartID = session.SenderConnectionID
		}

		if counterpartConn, ok := h.conn(counterpartID); ok {
			if err := counterpartConn.Invoke(method, nil); err != nil {
				h.logger.Printf("relay: notify counterpart: %v", err)
			}
		}
	}

	h.registry.RemoveByConnectionID(connectionID)
	h.logger.Printf("relay: connection %s closed", connectionID)
}

func (h *Hub) conn(connectionID string) (*hub.Conn, bool) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	conn, ok := h.conns[connectionID]
	return conn, ok
}

func (h *Hub) connBySession(sessionID int64) (*hub.Conn, bool) {
	connectionID, ok := h.registry.ConnectionID(sessionID)
	if !ok {
		return nil, false
	}
	return h.conn(connectionID)
}
