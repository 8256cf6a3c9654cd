package portaudio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voidlink/pkg/audio"
)

// blockingStream blocks every Read until release is closed and records a
// Close that overlaps a Read.
type blockingStream struct {
	release chan struct{}
	reading chan struct{}

	mu      sync.Mutex
	inRead  bool
	reads   int
	closed  bool
	overlap bool
}

func (s *blockingStream) Read() error {
	s.mu.Lock()
	s.inRead = true
	s.reads++
	s.mu.Unlock()
	s.reading <- struct{}{}

	<-s.release

	s.mu.Lock()
	s.inRead = false
	s.mu.Unlock()
	return nil
}

func (s *blockingStream) Stop() error { return nil }

func (s *blockingStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.overlap = s.overlap || s.inRead
	return nil
}

func TestInput_CloseWaitsForReadThenRejects(t *testing.T) {
	t.Parallel()

	stream := &blockingStream{release: make(chan struct{}), reading: make(chan struct{}, 1)}
	var released int
	in := &input{stream: stream, buf: make([]float32, 4), onRelease: func() { released++ }}

	readErr := make(chan error, 1)
	go func() { readErr <- in.Read(context.Background(), make(audio.Frame, 4)) }()
	<-stream.reading

	closeDone := make(chan error, 1)
	go func() { closeDone <- in.Close() }()

	// A Read queued behind the close fails without touching the device.
	waitClosedFlag(t, in)
	if err := in.Read(context.Background(), make(audio.Frame, 4)); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Read after Close = %v, want ErrDeviceUnavailable", err)
	}

	select {
	case <-closeDone:
		t.Fatal("Close returned while a Read was in progress")
	case <-time.After(20 * time.Millisecond):
	}

	close(stream.release)
	if err := <-readErr; err != nil {
		t.Errorf("in-flight Read = %v, want nil", err)
	}
	if err := <-closeDone; err != nil {
		t.Errorf("Close = %v", err)
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.overlap {
		t.Error("stream closed during a Read")
	}
	if !stream.closed || released != 1 {
		t.Errorf("closed = %v, released = %d; want true, 1", stream.closed, released)
	}
	if stream.reads != 1 {
		t.Errorf("device reads = %d, want 1", stream.reads)
	}
	if err := in.Close(); err != nil || released != 1 {
		t.Errorf("second Close = %v, released = %d", err, released)
	}
}

func waitClosedFlag(t *testing.T, in *input) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !in.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Close never marked the input closed")
		}
		time.Sleep(time.Millisecond)
	}
}
