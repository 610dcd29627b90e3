// Package hub defines the relay wire contract shared by the client and
// the relay server: the hub method names, their argument payloads and a
// websocket framing codec. Invocations travel as JSON text frames, file
// chunks as binary frames prefixed with the 16-byte file transfer id.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"windrop/models"
)

// Hub method names. Client and server agree on these strings exactly.
const (
	MethodHubConnected         = "HubConnected"
	MethodSendRequest          = "SendRequest"
	MethodReceiveRequest       = "ReceiveRequest"
	MethodSendResponse         = "SendResponse"
	MethodReceiveResponse      = "ReceiveResponse"
	MethodStartSendingFile     = "StartSendingFile"
	MethodStartReceivingFile   = "StartReceivingFile"
	MethodSendFile             = "SendFile"
	MethodReceiveFile          = "ReceiveFile"
	MethodCancelSending        = "CancelSending"
	MethodCancelReceiving      = "CancelReceiving"
	MethodSendingCancelled     = "SendingCancelled"
	MethodReceivingCancelled   = "ReceivingCancelled"
	MethodSenderDisconnected   = "SenderDisconnected"
	MethodReceiverDisconnected = "ReceiverDisconnected"

	// MethodEndOfStream terminates a chunked file stream, optionally
	// carrying a fault description.
	MethodEndOfStream = "EndOfStream"
)

// maxMessageSize bounds any single websocket message. Chunks never
// exceed the large transfer buffer plus the id prefix; invocation
// payloads are far smaller.
const maxMessageSize = 1 << 20

// fileIDSize is the binary-frame prefix length.
const fileIDSize = 16

var (
	// ErrMalformedFrame indicates a frame that does not follow the
	// codec: undersized binary frames or unparseable invocations.
	ErrMalformedFrame = errors.New("hub: malformed frame")
)

// Envelope is the JSON shape of an invocation frame.
type Envelope struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ConnectedArgs carries the session id assigned on connect.
type ConnectedArgs struct {
	SessionID int64 `json:"sessionId"`
}

// SendRequestArgs is a sender asking the server to forward a transfer
// request to the named receiver session.
type SendRequestArgs struct {
	ReceiverSessionID int64               `json:"receiverSessionId"`
	Request           models.RelayRequest `json:"request"`
}

// SendResponseArgs is a receiver answering a forwarded request.
type SendResponseArgs struct {
	SenderSessionID int64 `json:"senderSessionId"`
	Accepted        bool  `json:"accepted"`
}

// ReceiveResponseArgs is the answer pushed back to the sender.
type ReceiveResponseArgs struct {
	Accepted bool `json:"accepted"`
}

// StartSendingFileArgs announces the next file of an accepted batch.
type StartSendingFileArgs struct {
	ReceiverSessionID int64               `json:"receiverSessionId"`
	File              models.FileMetadata `json:"file"`
	FileID            uuid.UUID           `json:"fileId"`
	IsLast            bool                `json:"isLast"`
}

// StartReceivingFileArgs is the per-file announcement pushed to the
// receiver.
type StartReceivingFileArgs struct {
	File   models.FileMetadata `json:"file"`
	FileID uuid.UUID           `json:"fileId"`
	IsLast bool                `json:"isLast"`
}

// SendFileArgs opens an inbound chunk stream from the sender.
type SendFileArgs struct {
	ReceiverSessionID int64     `json:"receiverSessionId"`
	FileID            uuid.UUID `json:"fileId"`
	IsLast            bool      `json:"isLast"`
}

// ReceiveFileArgs asks the server to start pushing a buffered stream.
type ReceiveFileArgs struct {
	FileID uuid.UUID `json:"fileId"`
}

// EndOfStreamArgs terminates the chunk stream for one file id. A
// non-empty Fault marks the stream as failed.
type EndOfStreamArgs struct {
	FileID uuid.UUID `json:"fileId"`
	Fault  string    `json:"fault,omitempty"`
}

// Frame is one decoded websocket message: either an invocation
// (Method/Args set) or a file chunk (FileID/Chunk set).
type Frame struct {
	Method string
	Args   json.RawMessage

	FileID uuid.UUID
	Chunk  []byte
}

// IsChunk reports whether the frame is a binary chunk frame.
func (f *Frame) IsChunk() bool { return f.Method == "" }

// Decode unmarshals the invocation arguments into v.
func (f *Frame) Decode(v any) error {
	if len(f.Args) == 0 {
		return fmt.Errorf("%w: %s has no arguments", ErrMalformedFrame, f.Method)
	}
	if err := json.Unmarshal(f.Args, v); err != nil {
		return fmt.Errorf("%w: decode %s arguments: %v", ErrMalformedFrame, f.Method, err)
	}
	return nil
}

// Conn wraps a websocket connection with the hub codec. Writes are
// serialized internally; reads must stay on a single goroutine.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewConn wraps an upgraded or dialed websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}
}

// Invoke sends a JSON invocation frame.
func (c *Conn) Invoke(method string, args any) error {
	envelope := Envelope{Method: method}
	if args != nil {
		payload, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s arguments: %w", method, err)
		}
		envelope.Args = payload
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendChunk sends one binary chunk frame for the given file id.
func (c *Conn) SendChunk(fileID uuid.UUID, chunk []byte) error {
	frame := make([]byte, fileIDSize+len(chunk))
	copy(frame, fileID[:])
	copy(frame[fileIDSize:], chunk)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// EndStream terminates the chunk stream for fileID. An empty fault
// marks clean completion.
func (c *Conn) EndStream(fileID uuid.UUID, fault string) error {
	return c.Invoke(MethodEndOfStream, EndOfStreamArgs{FileID: fileID, Fault: fault})
}

// ReadFrame reads and decodes the next frame. It blocks until a frame
// arrives or the connection fails.
func (c *Conn) ReadFrame() (*Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage:
			var envelope Envelope
			if err := json.Unmarshal(data, &envelope); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			if envelope.Method == "" {
				return nil, fmt.Errorf("%w: invocation without method", ErrMalformedFrame)
			}
			return &Frame{Method: envelope.Method, Args: envelope.Args}, nil
		case websocket.BinaryMessage:
			if len(data) < fileIDSize {
				return nil, fmt.Errorf("%w: binary frame of %d bytes", ErrMalformedFrame, len(data))
			}
			fileID, err := uuid.FromBytes(data[:fileIDSize])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			return &Frame{FileID: fileID, Chunk: data[fileIDSize:]}, nil
		default:
			// Control frames are handled by gorilla; ignore anything else.
		}
	}
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
