package portaudio

import (
	"testing"
	"time"
)

func ones(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func TestVoiceTable_RendersAtScheduledOffset(t *testing.T) {
	t.Parallel()

	tbl := newVoiceTable(1000) // 1 sample per ms
	tbl.add(ones(4), 6*time.Millisecond, nil)

	out := make([]float32, 8)
	tbl.render(out)
	want := []float32{0, 0, 0, 0, 0, 0, 1, 1}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("first buffer = %v, want %v", out, want)
		}
	}

	tbl.render(out)
	want = []float32{1, 1, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("second buffer = %v, want %v", out, want)
		}
	}
	if got := tbl.now(); got != 16*time.Millisecond {
		t.Errorf("now = %v, want 16ms", got)
	}
}

func TestVoiceTable_BackToBackVoicesAreGapless(t *testing.T) {
	t.Parallel()

	tbl := newVoiceTable(1000)
	tbl.add(ones(3), 0, nil)
	tbl.add(ones(3), 3*time.Millisecond, nil)

	out := make([]float32, 8)
	tbl.render(out)
	for i := range 6 {
		if out[i] != 1 {
			t.Fatalf("sample %d = %v, want 1 (buffer %v)", i, out[i], out)
		}
	}
	if out[6] != 0 || out[7] != 0 {
		t.Errorf("tail = %v, want silence", out[6:])
	}
}

func TestVoiceTable_PastStartClampsToNow(t *testing.T) {
	t.Parallel()

	tbl := newVoiceTable(1000)
	out := make([]float32, 4)
	tbl.render(out)

	v := tbl.add(ones(2), time.Millisecond, nil)
	if v.start != 4 {
		t.Errorf("start = %d, want 4 (current position)", v.start)
	}
}

func TestVoiceTable_CompletionQueued(t *testing.T) {
	t.Parallel()

	tbl := newVoiceTable(1000)
	ended := 0
	tbl.add(ones(2), 0, func() { ended++ })
	tbl.add(ones(20), 0, func() { ended++ })

	out := make([]float32, 4)
	tbl.render(out)

	select {
	case <-tbl.notify:
	default:
		t.Fatal("notify not signalled")
	}
	for _, fn := range tbl.takePending() {
		fn()
	}
	if ended != 1 {
		t.Errorf("ended = %d, want 1", ended)
	}
}

func TestVoiceTable_StoppedVoiceSilencedAndReported(t *testing.T) {
	t.Parallel()

	tbl := newVoiceTable(1000)
	ended := 0
	v := tbl.add(ones(100), 0, func() { ended++ })
	v.Stop()

	out := make([]float32, 4)
	tbl.render(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %v after Stop, want 0", i, s)
		}
	}
	for _, fn := range tbl.takePending() {
		fn()
	}
	if ended != 1 {
		t.Errorf("ended = %d, want 1", ended)
	}
}

func TestVoiceTable_StopAllDropsPending(t *testing.T) {
	t.Parallel()

	tbl := newVoiceTable(1000)
	tbl.add(ones(1), 0, func() { t.Error("completion ran after stopAll") })
	tbl.add(ones(100), 0, func() { t.Error("completion ran after stopAll") })

	tbl.render(make([]float32, 4))
	tbl.stopAll()

	if p := tbl.takePending(); len(p) != 0 {
		t.Errorf("pending = %d after stopAll, want 0", len(p))
	}
}

func TestVoiceTable_MixClamps(t *testing.T) {
	t.Parallel()

	tbl := newVoiceTable(1000)
	tbl.add(ones(4), 0, nil)
	tbl.add(ones(4), 0, nil)

	out := make([]float32, 4)
	tbl.render(out)
	for i, s := range out {
		if s != 1 {
			t.Errorf("sample %d = %v, want clamped 1", i, s)
		}
	}
}

func TestDurationSampleConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		rate int
		want int64
	}{
		{d: 0, rate: 24000, want: 0},
		{d: -time.Second, rate: 24000, want: 0},
		{d: 500 * time.Millisecond, rate: 24000, want: 12000},
		{d: 41666, rate: 24000, want: 1}, // one truncated sample period
		{d: time.Second, rate: 16000, want: 16000},
	}
	for _, tt := range tests {
		if got := durationToSamples(tt.d, tt.rate); got != tt.want {
			t.Errorf("durationToSamples(%v, %d) = %d, want %d", tt.d, tt.rate, got, tt.want)
		}
	}
	if got := samplesToDuration(12000, 24000); got != 500*time.Millisecond {
		t.Errorf("samplesToDuration = %v, want 500ms", got)
	}
}
