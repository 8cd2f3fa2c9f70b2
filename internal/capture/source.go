package capture

import (
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/config"
	shellwords "github.com/mattn/go-shellwords"
)

// Source abstracts the physical input device. Implementations deliver raw
// 16-bit little-endian PCM at the configured source rate and channel count.
type Source interface {
	// Open acquires the device. Failures wrap ErrDeviceUnavailable.
	Open(ctx context.Context) error
	// Read fills p with raw PCM, blocking until data is available.
	Read(p []byte) (int, error)
	Close() error
}

func newSource(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Mode {
	case "exec":
		return newExecSource(cfg)
	case "mock":
		return newMockSource(cfg), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

// execSource spawns a recorder command (arecord, sox, ffmpeg) and reads raw
// PCM from its stdout.
type execSource struct {
	args   []string
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newExecSource(cfg config.CaptureConfig) (*execSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &execSource{args: args}, nil
}

func (s *execSource) Open(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: capture command stdout: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start capture command: %v", ErrDeviceUnavailable, err)
	}
	s.cmd = cmd
	s.stdout = stdout
	return nil
}

func (s *execSource) Read(p []byte) (int, error) {
	if s.stdout == nil {
		return 0, io.EOF
	}
	return s.stdout.Read(p)
}

func (s *execSource) Close() error {
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}

// mockSource synthesizes a low-amplitude tone at the source format, paced in
// real time. Used for tests and development without a microphone.
type mockSource struct {
	rate     int
	channels int
	phase    float64
	last     time.Time
}

func newMockSource(cfg config.CaptureConfig) *mockSource {
	return &mockSource{rate: cfg.SourceRate, channels: cfg.SourceChannels}
}

func (s *mockSource) Open(context.Context) error {
	s.last = time.Now()
	return nil
}

func (s *mockSource) Read(p []byte) (int, error) {
	frames := len(p) / (2 * s.channels)
	if frames == 0 {
		return 0, nil
	}

	elapsed := time.Duration(frames) * time.Second / time.Duration(s.rate)
	if wait := elapsed - time.Since(s.last); wait > 0 {
		time.Sleep(wait)
	}
	s.last = time.Now()

	step := 2 * math.Pi * 440 / float64(s.rate)
	for i := 0; i < frames; i++ {
		sample := int16(2000 * math.Sin(s.phase))
		s.phase += step
		for c := 0; c < s.channels; c++ {
			idx := (i*s.channels + c) * 2
			p[idx] = byte(sample)
			p[idx+1] = byte(sample >> 8)
		}
	}
	return frames * 2 * s.channels, nil
}

func (s *mockSource) Close() error { return nil }
