package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voidlink/internal/control"
	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/internal/session"
)

// fakeSession is a hand-written Controller that records calls.
type fakeSession struct {
	mu          sync.Mutex
	snap        session.Snapshot
	connectErr  error
	block       bool
	connects    int
	disconnects int
	subs        []chan session.Snapshot
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	block, err := f.block, f.connectErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return fmt.Errorf("session: connect: %w", context.Canceled)
	}
	return err
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.snap = session.Snapshot{Status: session.StatusDisconnected}
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, 8)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSession) set(snap session.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

// publish stores snap and delivers it to every subscriber.
func (f *fakeSession) publish(snap session.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	for _, ch := range f.subs {
		ch <- snap
	}
}

func (f *fakeSession) calls() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeSession) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func newServer(t *testing.T, sess *fakeSession, mutate func(*control.Config)) *httptest.Server {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg := control.Config{Session: sess, Metrics: met, VolumeInterval: 5 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(control.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeSession{}, nil)

	code, body := do(t, http.MethodGet, srv.URL+"/healthz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		snap      session.Snapshot
		checkErr  error
		wantCode  int
		wantCheck map[string]string
	}{
		{
			name:      "all ok",
			snap:      session.Snapshot{Status: session.StatusConnected},
			wantCode:  http.StatusOK,
			wantCheck: map[string]string{"session": "ok", "audio_backend": "ok"},
		},
		{
			name:      "session error",
			snap:      session.Snapshot{Status: session.StatusError, Error: "input device unplugged"},
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: map[string]string{"session": "fail: input device unplugged", "audio_backend": "ok"},
		},
		{
			name:      "checker failure",
			snap:      session.Snapshot{Status: session.StatusDisconnected},
			checkErr:  errors.New("no backend"),
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: map[string]string{"session": "ok", "audio_backend": "fail: no backend"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := &fakeSession{snap: tt.snap}
			srv := newServer(t, sess, func(c *control.Config) {
				c.Checkers = []control.Checker{{
					Name:  "audio_backend",
					Check: func(context.Context) error { return tt.checkErr },
				}}
			})

			code, body := do(t, http.MethodGet, srv.URL+"/readyz")
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", code, tt.wantCode, body)
			}
			var res struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for k, want := range tt.wantCheck {
				if got := res.Checks[k]; got != want {
					t.Errorf("checks[%q] = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{snap: session.Snapshot{
		Status: session.StatusConnected,
		Volume: session.Volume{Input: 0.25, Output: 0.5},
	}}
	srv := newServer(t, sess, nil)

	code, body := do(t, http.MethodGet, srv.URL+"/v1/session")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !strings.Contains(string(body), `"status":"connected"`) {
		t.Errorf("body missing status: %s", body)
	}
	if !strings.Contains(string(body), `"volume":{"input":0.25,"output":0.5}`) {
		t.Errorf("body missing volume: %s", body)
	}
}

func TestConnect_StatusCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"accepted", nil, http.StatusAccepted, ""},
		{"already active", session.ErrSessionActive, http.StatusConflict, "active"},
		{"device", &session.AcquisitionError{Device: "input", Err: errors.New("busy")}, http.StatusBadGateway, "acquisition"},
		{"credential", &session.CredentialError{Provider: "gemini-live", Err: errors.New("missing")}, http.StatusBadGateway, "credential"},
		{"transport", &session.TransportError{Err: errors.New("dial refused")}, http.StatusBadGateway, "transport"},
		{"cancelled", fmt.Errorf("session: connect: %w", context.Canceled), http.StatusConflict, "cancelled"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := &fakeSession{connectErr: tt.err, snap: session.Snapshot{Status: session.StatusConnecting}}
			srv := newServer(t, sess, nil)

			code, body := do(t, http.MethodPost, srv.URL+"/v1/session/connect")
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", code, tt.wantCode, body)
			}
			if tt.wantKind != "" && !strings.Contains(string(body), `"kind":"`+tt.wantKind+`"`) {
				t.Errorf("body = %s, want kind %q", body, tt.wantKind)
			}
			if n, _ := sess.calls(); n != 1 {
				t.Errorf("Connect called %d times, want 1", n)
			}
		})
	}
}

func TestConnect_Timeout(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{block: true}
	srv := newServer(t, sess, func(c *control.Config) { c.ConnectTimeout = 20 * time.Millisecond })

	code, body := do(t, http.MethodPost, srv.URL+"/v1/session/connect")
	if code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (%s)", code, body)
	}
}

func TestConnect_WrongMethod(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeSession{}, nil)

	code, _ := do(t, http.MethodGet, srv.URL+"/v1/session/connect")
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", code)
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{snap: session.Snapshot{Status: session.StatusConnected}}
	srv := newServer(t, sess, nil)

	code, body := do(t, http.MethodPost, srv.URL+"/v1/session/disconnect")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !strings.Contains(string(body), `"status":"disconnected"`) {
		t.Errorf("body = %s", body)
	}
	if _, n := sess.calls(); n != 1 {
		t.Errorf("Disconnect called %d times, want 1", n)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "voidlink_capture_frames_total 3\n")
	})
	withMetrics := newServer(t, &fakeSession{}, func(c *control.Config) { c.MetricsHandler = metrics })
	without := newServer(t, &fakeSession{}, nil)

	code, body := do(t, http.MethodGet, withMetrics.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(string(body), "voidlink_capture_frames_total") {
		t.Errorf("with handler: status %d body %q", code, body)
	}
	if code, _ := do(t, http.MethodGet, without.URL+"/metrics"); code != http.StatusNotFound {
		t.Errorf("without handler: status %d, want 404", code)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{snap: session.Snapshot{Status: session.StatusDisconnected}}
	srv := newServer(t, sess, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/session/stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() session.Snapshot {
		t.Helper()
		var snap session.Snapshot
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
		return snap
	}

	if got := read(); got.Status != session.StatusDisconnected {
		t.Fatalf("initial status = %v, want disconnected", got.Status)
	}

	// Wait for the handler to subscribe before publishing.
	for sess.subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}
	sess.publish(session.Snapshot{Status: session.StatusConnected})
	if got := read(); got.Status != session.StatusConnected {
		t.Fatalf("status after transition = %v, want connected", got.Status)
	}

	sess.set(session.Snapshot{Status: session.StatusConnected, Volume: session.Volume{Input: 0.4, Output: 0.7}})
	got := read()
	if got.Volume.Input != 0.4 || got.Volume.Output != 0.7 {
		t.Fatalf("volume = %+v, want {0.4 0.7}", got.Volume)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
