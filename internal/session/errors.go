package session

import (
	"errors"
	"fmt"
)

// ErrSessionActive is returned by [Manager.Connect] while a session is
// connecting or connected.
var ErrSessionActive = errors.New("session: a session is already active")

// Error kinds reported on the session.errors metric.
const (
	kindAcquisition = "acquisition"
	kindCredential  = "credential"
	kindTransport   = "transport"
)

// AcquisitionError reports that an audio device could not be opened, or that
// the capture device failed while the session was running.
type AcquisitionError struct {
	// Device is "input" or "output".
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("session: acquire %s device: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// CredentialError reports that the transport could not be opened because no
// API credential is configured.
type CredentialError struct {
	// Provider is the registry name of the transport provider.
	Provider string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("session: %s credential: %v", e.Provider, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransportError reports a failure of the remote channel: a dial failure, an
// error event, or an inbound stream the session cannot play.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errorKind maps a session-fatal error onto its metric kind.
func errorKind(err error) string {
	var (
		acq  *AcquisitionError
		cred *CredentialError
	)
	switch {
	case errors.As(err, &acq):
		return kindAcquisition
	case errors.As(err, &cred):
		return kindCredential
	default:
		return kindTransport
	}
}
