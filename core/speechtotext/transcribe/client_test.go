package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Virtual-Health-Hub/virtual-intake/core/speechtotext"
	"github.com/gorilla/websocket"
)

func newGatewayServer(t *testing.T, serve func(conn *websocket.Conn)) URLSigner {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(server.Close)

	signedURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return func(context.Context) (string, error) { return signedURL, nil }
}

func TestTranscribeDeliversPartialAndFinalTranscripts(t *testing.T) {
	signer := newGatewayServer(t, func(conn *websocket.Conn) {
		// Consume the session start message first.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"type": "transcript", "transcript": "hel", "isFinal": false})
		conn.WriteJSON(map[string]any{"type": "transcript", "transcript": "hello there", "isFinal": true})
	})

	client, err := NewTranscriptionClient(signer)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	partials := make(chan string, 1)
	finals := make(chan string, 1)
	err = client.Transcribe(context.Background(),
		speechtotext.WithPartialTranscriptionCallback(func(transcript string) { partials <- transcript }),
		speechtotext.WithTranscriptionCallback(func(transcript string) { finals <- transcript }),
	)
	if err != nil {
		t.Fatalf("failed to start transcription: %v", err)
	}
	defer client.Close(context.Background())

	select {
	case got := <-partials:
		if got != "hel" {
			t.Fatalf("expected partial transcript %q, got %q", "hel", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for partial transcript")
	}

	select {
	case got := <-finals:
		if got != "hello there" {
			t.Fatalf("expected final transcript %q, got %q", "hello there", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
}

func TestTranscribeReportsGatewayErrors(t *testing.T) {
	signer := newGatewayServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"type": "error", "message": "credentials expired"})
	})

	client, err := NewTranscriptionClient(signer)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	errs := make(chan error, 1)
	err = client.Transcribe(context.Background(),
		speechtotext.WithErrorCallback(func(err error) { errs <- err }),
	)
	if err != nil {
		t.Fatalf("failed to start transcription: %v", err)
	}
	defer client.Close(context.Background())

	select {
	case got := <-errs:
		if !strings.Contains(got.Error(), "credentials expired") {
			t.Fatalf("expected gateway error message, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway error")
	}
}

func TestSendAudioRequiresOpenSession(t *testing.T) {
	client, err := NewTranscriptionClient(func(context.Context) (string, error) { return "ws://unused", nil })
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.SendAudio([]byte{0, 0}); err == nil {
		t.Fatal("expected an error when session is not open")
	}
}

func TestNewTranscriptionClientRequiresSigner(t *testing.T) {
	if _, err := NewTranscriptionClient(nil); err == nil {
		t.Fatal("expected an error for missing url signer")
	}
}
