package recording

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/ainoteslabs/ainotes-core/internal/capture"
	"github.com/ainoteslabs/ainotes-core/internal/config"
)

// Recording describes one archived WAV file.
type Recording struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Writer archives the canonical PCM stream as WAV files, one per detection.
type Writer struct {
	cfg config.RecordingConfig
	log *slog.Logger

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	active bool
}

func NewWriter(cfg config.RecordingConfig, log *slog.Logger) *Writer {
	return &Writer{cfg: cfg, log: log.With(slog.String("component", "recording"))}
}

// Begin opens a new WAV file named after the question. A second Begin while
// a file is open finalizes the previous one first.
func (w *Writer) Begin(questionID string) error {
	if !w.cfg.Enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active {
		w.closeLocked()
	}

	if err := os.MkdirAll(w.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.wav", time.Now().UTC().Format("20060102-150405"), questionID)
	file, err := os.Create(filepath.Join(w.cfg.Directory, name))
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}

	w.file = file
	w.enc = wav.NewEncoder(file, capture.TargetRate, 16, 1, 1)
	w.active = true
	return nil
}

// Append writes a canonical PCM frame to the open recording. Frames arriving
// while no recording is open are dropped.
func (w *Writer) Append(frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active || len(frame)%2 != 0 {
		return
	}

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: capture.TargetRate}}
	samples := make([]int, len(frame)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(frame[i*2:])))
	}
	buffer.Data = samples

	if err := w.enc.Write(buffer); err != nil {
		w.log.Warn("recording write failed", slog.String("error", err.Error()))
		w.closeLocked()
	}
}

// End finalizes the open recording. Idempotent.
func (w *Writer) End() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		w.closeLocked()
	}
}

func (w *Writer) closeLocked() {
	if err := w.enc.Close(); err != nil {
		w.log.Warn("close wav encoder failed", slog.String("error", err.Error()))
	}
	if err := w.file.Close(); err != nil {
		w.log.Warn("close recording file failed", slog.String("error", err.Error()))
	}
	w.file = nil
	w.enc = nil
	w.active = false
}

// List returns the archived recordings, newest first.
func (w *Writer) List() ([]Recording, error) {
	entries, err := os.ReadDir(w.cfg.Directory)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recordings dir: %w", err)
	}

	var recs []Recording
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		recs = append(recs, Recording{
			Name:      entry.Name(),
			Path:      filepath.Join(w.cfg.Directory, entry.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

// Delete removes one archived recording by file name.
func (w *Writer) Delete(name string) error {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".wav") {
		return fmt.Errorf("invalid recording name %q", name)
	}
	if err := os.Remove(filepath.Join(w.cfg.Directory, name)); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}
