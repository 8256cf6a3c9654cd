package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDecode is matched by every [*DecodeError] via errors.Is.
var ErrDecode = errors.New("audio: decode failed")

// DecodeError reports a malformed inbound audio payload. Callers drop the
// chunk and carry on; a single DecodeError never ends a session.
type DecodeError struct {
	// Reason is a short description of what was wrong with the payload.
	Reason string

	// Err is the underlying error, if any (e.g. a base64 CorruptInputError).
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EncodePCM16 quantises frame to little-endian signed 16-bit PCM. Each
// sample is clamped to [-1, 1] and mapped with round(s * 32767). The result
// is exactly 2*len(frame) bytes.
func EncodePCM16(frame []float32) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// NewPacket encodes frame and tags it as raw PCM at rate.
func NewPacket(frame []float32, rate int) Packet {
	return Packet{
		Data:     EncodePCM16(frame),
		MIMEType: PCMMimeType(rate),
	}
}

// DecodePCM16 converts little-endian signed 16-bit PCM into float32 samples
// by dividing each value by 32768. pcm must have an even length.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("odd byte count %d", len(pcm))}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// DecodeBase64PCM16 decodes a base64 payload of mono little-endian 16-bit
// PCM into a [Buffer] at rate. Only mono (channels == 1) is supported.
func DecodeBase64PCM16(payload string, rate, channels int) (Buffer, error) {
	if channels != 1 {
		return Buffer{}, &DecodeError{Reason: fmt.Sprintf("unsupported channel count %d", channels)}
	}
	if rate <= 0 {
		return Buffer{}, &DecodeError{Reason: fmt.Sprintf("invalid sample rate %d", rate)}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Buffer{}, &DecodeError{Reason: "invalid base64", Err: err}
	}
	samples, err := DecodePCM16(raw)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: samples, SampleRate: rate}, nil
}
