package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// InputSampleRate is the capture rate expected by the remote service.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of the PCM chunks the remote service sends.
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples pulled from the input device
	// per capture frame (256 ms at 16 kHz).
	DefaultFrameSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one block of mono float32 samples in [-1, 1] pulled from an input
// device. Frames are transient: the capture pipeline encodes them immediately
// and reuses the backing array for the next read.
type Frame []float32

// Packet is the outbound wire unit: little-endian int16 PCM bytes derived
// from one [Frame], tagged with a MIME type that names the encoding and rate
// (e.g. "audio/pcm;rate=16000").
//
// Ownership of Data passes to the transport on send.
type Packet struct {
	Data     []byte
	MIMEType string
}

// PCMMimeType returns the MIME tag for raw 16-bit PCM at rate.
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParsePCMRate extracts the rate parameter from a MIME tag such as
// "audio/pcm;rate=24000". ok is false when the tag carries no valid rate.
func ParsePCMRate(mimeType string) (rate int, ok bool) {
	_, params, found := strings.Cut(mimeType, ";")
	if !found {
		return 0, false
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if !strings.EqualFold(k, "rate") {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Buffer is a decoded block of mono samples ready to be scheduled on an
// [OutputClock].
type Buffer struct {
	// Samples holds float32 samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz. Must be > 0 for Duration to be meaningful.
	SampleRate int
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
