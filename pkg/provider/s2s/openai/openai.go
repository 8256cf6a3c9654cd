// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks at 24 kHz in both
// directions; capture audio at other rates is resampled before sending.
// Server-side voice activity detection drives interruption: a
// speech_started event supersedes the response being played.
package openai

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
	Name = "openai-realtime"

	// SampleRate is the PCM16 rate the Realtime API uses in both directions.
	SampleRate = 24000

	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Name:               Name,
		InputSampleRate:    SampleRate,
		OutputSampleRate:   SampleRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint and sends session.update. EventOpen
// follows once the server answers with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Transport, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: connect: %w", s2s.ErrMissingCredential)
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	if err := wsconn.WriteJSON(ctx, conn, buildSessionUpdate(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	rate := cfg.InputSampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	return wsconn.Start(conn, wsconn.Config{
		Name:      "openai",
		SendQueue: cfg.SendQueue,
		Handle:    handleFrame,
		Encode:    encoder(rate),
	}), nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// buildSessionUpdate configures pcm16 both ways, server VAD, voice, and
// instructions.
func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
}

// encoder returns the wsconn.Encoder for input_audio_buffer.append. Packets
// tagged with a different rate than the API expects are resampled.
func encoder(defaultRate int) wsconn.Encoder {
	return func(p audio.Packet) ([]byte, error) {
		rate := defaultRate
		if r, ok := audio.ParsePCMRate(p.MIMEType); ok {
			rate = r
		}
		pcm := audio.ResampleMono16(p.Data, rate, SampleRate)
		return json.Marshal(appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(pcm),
		})
	}
}

// outputMIME tags every inbound audio delta.
var outputMIME = audio.PCMMimeType(SampleRate)

// handleFrame translates one server event into transport events. Malformed
// frames and unhandled event types are skipped; an error event is fatal.
func handleFrame(data []byte, emit wsconn.Emit) error {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil
	}

	switch evt.Type {
	case "session.updated":
		emit(s2s.Event{Kind: s2s.EventOpen})

	case "response.audio.delta":
		if evt.Delta == "" {
			return nil
		}
		emit(s2s.Event{Kind: s2s.EventMessage, Message: s2s.Message{Audio: evt.Delta, MIMEType: outputMIME}})

	case "input_audio_buffer.speech_started":
		emit(s2s.Event{Kind: s2s.EventMessage, Message: s2s.Message{Interrupted: true}})

	case "response.done":
		emit(s2s.Event{Kind: s2s.EventMessage, Message: s2s.Message{TurnComplete: true}})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return fmt.Errorf("server error: %s", msg)
	}
	return nil
}
