// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is sent as base64-encoded PCM media chunks; synthesised
// audio arrives as inline data parts of the model turn and is forwarded
// undecoded on the transport's event stream.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
	"github.com/MrWong99/voidlink/pkg/provider/s2s/internal/wsconn"
)

// Compile-time assertion that Provider satisfies the s2s interface.
var _ s2s.Provider = (*Provider)(nil)

const (
	// Name is the registry name of this provider.
	Name = "gemini-live"

	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive overrides the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
// An empty key is accepted here; Connect reports it.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Name:               Name,
		InputSampleRate:    audio.InputSampleRate,
		OutputSampleRate:   audio.OutputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials Gemini Live and sends the setup message. EventOpen follows
// once the server answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Transport, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("gemini: connect: %w", s2s.ErrMissingCredential)
	}

	wsURL := p.baseURL + bidiPath + "?key=" + url.QueryEscape(p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inline audio chunks can exceed the 32 KiB default read limit.
	conn.SetReadLimit(8 << 20)

	if err := wsconn.WriteJSON(ctx, conn, buildSetup(p.model, cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	rate := cfg.InputSampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	return wsconn.Start(conn, wsconn.Config{
		Name:      "gemini",
		SendQueue: cfg.SendQueue,
		Keepalive: p.keepalive,
		Handle:    handleFrame,
		Encode:    encoder(rate),
	}), nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// buildSetup assembles the initial BidiGenerateContent setup message.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// encoder returns the wsconn.Encoder for realtime media chunks. Packets
// without a MIME tag are labelled with the configured capture rate.
func encoder(rate int) wsconn.Encoder {
	fallback := audio.PCMMimeType(rate)
	return func(p audio.Packet) ([]byte, error) {
		mime := p.MIMEType
		if mime == "" {
			mime = fallback
		}
		return json.Marshal(realtimeInputMessage{
			RealtimeInput: realtimeInput{
				MediaChunks: []mediaChunk{{
					MIMEType: mime,
					Data:     base64.StdEncoding.EncodeToString(p.Data),
				}},
			},
		})
	}
}

// handleFrame translates one server frame into transport events. Malformed
// frames are skipped; a server error payload is fatal.
func handleFrame(data []byte, emit wsconn.Emit) error {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		return fmt.Errorf("server error %d: %s", msg.Error.Code, text)
	}
	if msg.SetupComplete != nil {
		if !emit(s2s.Event{Kind: s2s.EventOpen}) {
			return nil
		}
	}
	if msg.ServerContent != nil {
		for _, m := range contentMessages(msg.ServerContent) {
			if !emit(s2s.Event{Kind: s2s.EventMessage, Message: m}) {
				return nil
			}
		}
	}
	return nil
}

// contentMessages splits serverContent into one message per audio part. The
// interrupted flag travels with the first message and turnComplete with the
// last, so audio is never scheduled ahead of the interruption that precedes
// it.
func contentMessages(sc *serverContent) []s2s.Message {
	var msgs []s2s.Message
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			msgs = append(msgs, s2s.Message{
				Audio:    p.InlineData.Data,
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}

	if len(msgs) == 0 {
		if !sc.Interrupted && !sc.TurnComplete {
			return nil
		}
		msgs = append(msgs, s2s.Message{})
	}
	msgs[0].Interrupted = sc.Interrupted
	msgs[len(msgs)-1].TurnComplete = sc.TurnComplete
	return msgs
}
