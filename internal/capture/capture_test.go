package capture

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestToCanonicalPassthrough(t *testing.T) {
	in := pcmBytes([]int16{100, -100, 32000})
	out := ToCanonical(in, TargetRate, 1)
	if len(out) != len(in) {
		t.Fatalf("expected passthrough length %d, got %d", len(in), len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d changed: %d != %d", i, in[i], out[i])
		}
	}
}

func TestToCanonicalDownmixStereo(t *testing.T) {
	// Interleaved L/R pairs averaging to 150, 350.
	in := pcmBytes([]int16{100, 200, 300, 400})
	out := ToCanonical(in, TargetRate, 2)
	mono := decodeInt16(out)
	if len(mono) != 2 {
		t.Fatalf("expected 2 mono samples, got %d", len(mono))
	}
	if mono[0] != 150 || mono[1] != 350 {
		t.Fatalf("unexpected downmix result: %v", mono)
	}
}

func TestToCanonicalUpsamplesHalfRate(t *testing.T) {
	in := pcmBytes([]int16{0, 1000})
	out := ToCanonical(in, TargetRate/2, 1)
	samples := decodeInt16(out)
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples after 2x upsample, got %d", len(samples))
	}
	if samples[0] != 0 || samples[1] != 500 {
		t.Fatalf("expected interpolated ramp, got %v", samples)
	}
}

func TestToCanonicalDownsamples(t *testing.T) {
	in := make([]int16, 480) // 10ms at 48k
	out := ToCanonical(pcmBytes(in), 48000, 1)
	if len(out) != 160*2 { // 10ms at 16k
		t.Fatalf("expected 160 samples, got %d", len(out)/2)
	}
}

func TestPipelineStartStop(t *testing.T) {
	cfg := config.CaptureConfig{Mode: "mock", SourceRate: 32000, SourceChannels: 2, FrameDurationMS: 10}
	p := NewPipeline(cfg, newLogger())

	var mu sync.Mutex
	var frames int
	var frameLen int
	err := p.Start(func(frame []byte) {
		mu.Lock()
		frames++
		frameLen = len(frame)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := frames
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for frames")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	// 10ms of mono 16k PCM.
	if frameLen != 160*2 {
		t.Fatalf("expected canonical 10ms frames (320 bytes), got %d", frameLen)
	}
	if p.Running() {
		t.Fatal("pipeline still running after Stop")
	}
}

func TestPipelineStopIdempotent(t *testing.T) {
	cfg := config.CaptureConfig{Mode: "mock", SourceRate: 16000, SourceChannels: 1, FrameDurationMS: 10}
	p := NewPipeline(cfg, newLogger())
	p.Stop()
	p.Stop()

	if err := p.Start(func([]byte) {}); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	p.Stop()
	p.Stop()
}

func TestExecSourceRejectsEmptyCommand(t *testing.T) {
	cfg := config.CaptureConfig{Mode: "exec", Command: "", SourceRate: 16000, SourceChannels: 1, FrameDurationMS: 20}
	p := NewPipeline(cfg, newLogger())
	if err := p.Start(func([]byte) {}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}
