package control

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/internal/session"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

// connect starts a session. It returns once devices and transport are
// acquired; the remote acknowledgement arrives later on the stream.
// The request context only carries trace data: a client hanging up does not
// abort acquisition.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.connectTimeout)
	defer cancel()

	err := s.sess.Connect(ctx)
	if err == nil {
		writeJSON(w, http.StatusAccepted, s.sess.Snapshot())
		return
	}

	observe.Logger(r.Context()).Warn("control: connect failed", "err", err)
	code, kind := connectStatus(err)
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		code, kind = http.StatusGatewayTimeout, "timeout"
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: kind})
}

func (s *Server) disconnect(w http.ResponseWriter, _ *http.Request) {
	s.sess.Disconnect()
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

// connectStatus maps a Connect error to an HTTP status and an error kind.
func connectStatus(err error) (int, string) {
	var (
		acqErr  *session.AcquisitionError
		credErr *session.CredentialError
		trErr   *session.TransportError
	)
	switch {
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict, "active"
	case errors.As(err, &acqErr):
		return http.StatusBadGateway, "acquisition"
	case errors.As(err, &credErr):
		return http.StatusBadGateway, "credential"
	case errors.As(err, &trErr):
		return http.StatusBadGateway, "transport"
	case errors.Is(err, context.Canceled):
		return http.StatusConflict, "cancelled"
	}
	return http.StatusInternalServerError, ""
}
