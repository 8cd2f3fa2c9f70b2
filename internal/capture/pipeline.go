// Package capture acquires microphone input and emits fixed-duration frames
// of 16-bit mono PCM at the canonical transcription rate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ainoteslabs/ainotes-core/internal/config"
)

// ErrDeviceUnavailable reports that the input device could not be opened.
// The pipeline never retries on its own; retry policy belongs to the caller.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// FrameFunc receives one canonical-format audio frame. The slice is owned by
// the callee.
type FrameFunc func(frame []byte)

// Pipeline owns at most one live capture source. Start implicitly stops any
// prior capture so only one reader holds the device.
type Pipeline struct {
	cfg config.CaptureConfig
	log *slog.Logger

	mu      sync.Mutex
	src     Source
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewPipeline(cfg config.CaptureConfig, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		log: log.With(slog.String("component", "capture")),
	}
}

// Start opens the input device and begins delivering frames to onFrame.
// Each raw source buffer is converted to 16-bit/mono/16 kHz before delivery.
func (p *Pipeline) Start(onFrame FrameFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.stopLocked()
	}

	src, err := newSource(p.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := src.Open(ctx); err != nil {
		cancel()
		return fmt.Errorf("open capture source: %w", err)
	}

	p.src = src
	p.cancel = cancel
	p.running = true

	bufSize := p.cfg.SourceRate * p.cfg.SourceChannels * 2 * p.cfg.FrameDurationMS / 1000
	if bufSize <= 0 {
		bufSize = 2048
	}

	p.wg.Add(1)
	go p.readLoop(ctx, src, bufSize, onFrame)

	p.log.Info("capture started",
		slog.String("mode", p.cfg.Mode),
		slog.Int("source_rate", p.cfg.SourceRate),
		slog.Int("source_channels", p.cfg.SourceChannels))
	return nil
}

func (p *Pipeline) readLoop(ctx context.Context, src Source, bufSize int, onFrame FrameFunc) {
	defer p.wg.Done()

	buf := make([]byte, bufSize)
	for {
		n, err := src.Read(buf)
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				p.log.Warn("capture read failed", slog.String("error", err.Error()))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if n == 0 {
			continue
		}
		// Truncate to whole samples; a torn trailing byte would shift every
		// later sample by 8 bits.
		n -= n % (2 * p.cfg.SourceChannels)
		if n == 0 {
			continue
		}
		frame := ToCanonical(buf[:n], p.cfg.SourceRate, p.cfg.SourceChannels)
		if len(frame) > 0 {
			onFrame(frame)
		}
	}
}

// Stop halts capture and releases the device. Calling Stop when the pipeline
// is not running is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pipeline) stopLocked() {
	if !p.running {
		return
	}
	p.cancel()
	p.src.Close()
	// readLoop never takes the mutex, so waiting here cannot deadlock.
	p.wg.Wait()
	p.src = nil
	p.cancel = nil
	p.running = false
	p.log.Info("capture stopped")
}

// Running reports whether a capture source is currently live.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
