package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
	"github.com/MrWong99/voidlink/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// setupAndAck consumes the setup message and acknowledges it.
func setupAndAck(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// nextEvent waits for one event from tr.
func nextEvent(t *testing.T, tr s2s.Transport) (s2s.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return s2s.Event{}, false
	}
}

func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_MissingCredential(t *testing.T) {
	t.Parallel()

	p := gemini.New("")
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
}

func TestConnect_SetupMessage(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}

	got := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"), gemini.WithKeepalive(0))
	tr, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: "Charon", Instructions: "be terse"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	if k := <-keys; k != "secret key" {
		t.Errorf("key query = %q, want %q", k, "secret key")
	}
	select {
	case msg := <-got:
		if msg.Setup.Model != "models/custom-model" {
			t.Errorf("model = %q", msg.Setup.Model)
		}
		if m := msg.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", m)
		}
		if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Charon" {
			t.Errorf("voice = %q, want Charon", v)
		}
		if p := msg.Setup.SystemInstruction.Parts; len(p) != 1 || p[0].Text != "be terse" {
			t.Errorf("systemInstruction = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestEvents_OpenMessagesAndClose(t *testing.T) {
	t.Parallel()

	chunkA := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	chunkB := base64.StdEncoding.EncodeToString([]byte{3, 0})

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setupAndAck(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": chunkA}},
						{"text": "ignored"},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": chunkB}},
					},
				},
				"turnComplete": true,
			},
		})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	tr, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	ev, _ := nextEvent(t, tr)
	if ev.Kind != s2s.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}

	first, _ := nextEvent(t, tr)
	if first.Kind != s2s.EventMessage || first.Message.Audio != chunkA || !first.Message.Interrupted || first.Message.TurnComplete {
		t.Errorf("first message = %+v", first)
	}
	if first.Message.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("MIMEType = %q", first.Message.MIMEType)
	}
	second, _ := nextEvent(t, tr)
	if second.Kind != s2s.EventMessage || second.Message.Audio != chunkB || second.Message.Interrupted || !second.Message.TurnComplete {
		t.Errorf("second message = %+v", second)
	}

	closing, _ := nextEvent(t, tr)
	if closing.Kind != s2s.EventClose {
		t.Fatalf("terminal event = %v (%v), want close", closing.Kind, closing.Err)
	}
	if closing.Reason != "bye" {
		t.Errorf("close reason = %q, want bye", closing.Reason)
	}
	if _, ok := nextEvent(t, tr); ok {
		t.Error("events channel not closed after terminal event")
	}
}

func TestEvents_InterruptWithoutAudio(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setupAndAck(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	nextEvent(t, tr) // open
	ev, _ := nextEvent(t, tr)
	if ev.Kind != s2s.EventMessage || !ev.Message.Interrupted || ev.Message.Audio != "" {
		t.Errorf("event = %+v, want bare interruption", ev)
	}
}

func TestEvents_ServerErrorIsFatal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setupAndAck(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	nextEvent(t, tr) // open
	ev, _ := nextEvent(t, tr)
	if ev.Kind != s2s.EventError {
		t.Fatalf("event = %v, want error", ev.Kind)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("err = %v, want quota message", ev.Err)
	}
	if _, ok := nextEvent(t, tr); ok {
		t.Error("events channel not closed after error")
	}
}

func TestEvents_AbnormalCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setupAndAck(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	tr, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	nextEvent(t, tr) // open
	ev, _ := nextEvent(t, tr)
	if ev.Kind != s2s.EventError {
		t.Fatalf("event = %v, want error", ev.Kind)
	}
}

func TestSend_RealtimeInput(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan chunkMsg, 2)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setupAndAck(t, conn)
		for range 2 {
			var msg chunkMsg
			readJSON(t, conn, &msg)
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	tr, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{InputSampleRate: audio.InputSampleRate})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(audio.NewPacket([]float32{0, 1}, audio.InputSampleRate)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := tr.Send(audio.Packet{Data: []byte{9, 9}}); err != nil {
		t.Fatalf("Send untagged: %v", err)
	}

	for i, wantData := range [][]byte{{0, 0, 0xFF, 0x7F}, {9, 9}} {
		select {
		case msg := <-got:
			chunks := msg.RealtimeInput.MediaChunks
			if len(chunks) != 1 {
				t.Fatalf("packet %d: %d chunks, want 1", i, len(chunks))
			}
			if chunks[0].MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("packet %d: mimeType = %q", i, chunks[0].MIMEType)
			}
			if chunks[0].Data != base64.StdEncoding.EncodeToString(wantData) {
				t.Errorf("packet %d: data = %q", i, chunks[0].Data)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for packet %d", i)
		}
	}
}

func TestSend_AfterCloseFails(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setupAndAck(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	tr, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := tr.Send(audio.Packet{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrClosed) {
		t.Errorf("Send after Close: err = %v, want ErrClosed", err)
	}
	// Locally closed transports end the stream without a terminal event.
	for ev := range tr.Events() {
		if ev.Kind.Terminal() {
			t.Errorf("unexpected terminal event %v after local Close", ev.Kind)
		}
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := gemini.New("k").Capabilities()
	if caps.Name != gemini.Name {
		t.Errorf("Name = %q", caps.Name)
	}
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
}
