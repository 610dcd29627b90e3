package hub

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"windrop/models"
)

// dialPair spins up a websocket endpoint and returns both ends of one
// connection wrapped in the hub codec.
func dialPair(t *testing.T) (client, server *Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- NewConn(ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	client = NewConn(ws)
	server = <-accepted
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestInvokeRoundTrip(t *testing.T) {
	client, server := dialPair(t)

	args := SendRequestArgs{
		ReceiverSessionID: 12345678901,
		Request: models.RelayRequest{
			SenderSessionID: 98765432109,
			Files:           []models.FileMetadata{{Name: "notes.txt", Size: 42}},
		},
	}
	if err := client.Invoke(MethodSendRequest, args); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	frame, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.IsChunk() {
		t.Fatal("expected invocation frame, got chunk")
	}
	if frame.Method != MethodSendRequest {
		t.Fatalf("method = %q, want %q", frame.Method, MethodSendRequest)
	}

	var got SendRequestArgs
	if err := frame.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ReceiverSessionID != args.ReceiverSessionID {
		t.Errorf("receiver id = %d, want %d", got.ReceiverSessionID, args.ReceiverSessionID)
	}
	if len(got.Request.Files) != 1 || got.Request.Files[0].Name != "notes.txt" {
		t.Errorf("request files = %+v, want one notes.txt", got.Request.Files)
	}
}

func TestChunkFrameCarriesFileID(t *testing.T) {
	client, server := dialPair(t)

	fileID := uuid.New()
	payload := []byte("chunk payload bytes")
	if err := client.SendChunk(fileID, payload); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}

	frame, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !frame.IsChunk() {
		t.Fatalf("expected chunk frame, got method %q", frame.Method)
	}
	if frame.FileID != fileID {
		t.Errorf("file id = %s, want %s", frame.FileID, fileID)
	}
	if !bytes.Equal(frame.Chunk, payload) {
		t.Errorf("chunk = %q, want %q", frame.Chunk, payload)
	}
}

func TestEndStreamCarriesFault(t *testing.T) {
	client, server := dialPair(t)

	fileID := uuid.New()
	if err := client.EndStream(fileID, "sender went away"); err != nil {
		t.Fatalf("EndStream: %v", err)
	}

	frame, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Method != MethodEndOfStream {
		t.Fatalf("method = %q, want %q", frame.Method, MethodEndOfStream)
	}

	var end EndOfStreamArgs
	if err := frame.Decode(&end); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if end.FileID != fileID || end.Fault != "sender went away" {
		t.Errorf("end = %+v, want fileID %s fault %q", end, fileID, "sender went away")
	}
}

func TestReadFrameRejectsShortBinaryFrame(t *testing.T) {
	client, server := dialPair(t)

	// Bypass the codec to produce an undersized binary frame.
	client.writeMu.Lock()
	err := client.ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	client.writeMu.Unlock()
	if err != nil {
		t.Fatalf("raw write: %v", err)
	}

	if _, err := server.ReadFrame(); err == nil {
		t.Fatal("expected error for undersized binary frame")
	}
}
