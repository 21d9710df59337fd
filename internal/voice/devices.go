package voice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
)

// FileMicrophone "records" by reading a prepared audio file. It stands in for
// a device microphone on hosts without one.
type FileMicrophone struct {
	Enabled bool
	Path    string
}

func (m FileMicrophone) RequestPermission(ctx context.Context) (bool, error) {
	return m.Enabled, nil
}

func (m FileMicrophone) Acquire(ctx context.Context) (Capture, error) {
	if !m.Enabled {
		return nil, ErrPermissionDenied
	}
	if _, err := os.Stat(m.Path); err != nil {
		return nil, fmt.Errorf("audio input unavailable: %w", err)
	}
	return &fileCapture{path: m.Path}, nil
}

type fileCapture struct {
	path string
}

func (c *fileCapture) Stop(ctx context.Context) (Artifact, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read recording: %w", err)
	}
	return Artifact{Filename: filepath.Base(c.path), Data: data}, nil
}

func (c *fileCapture) Discard() error {
	return nil
}

// AudioFetcher downloads reply audio from the backend
type AudioFetcher interface {
	FetchAudio(ctx context.Context, ref string) ([]byte, error)
}

// FilePlayer saves reply audio into a directory for an external player
type FilePlayer struct {
	Fetcher AudioFetcher
	Dir     string
	Logger  *slog.Logger
}

func (p *FilePlayer) Play(ctx context.Context, ref string) error {
	data, err := p.Fetcher.FetchAudio(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to download reply audio: %w", err)
	}

	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create audio directory: %w", err)
	}

	ext := path.Ext(ref)
	if ext == "" {
		ext = ".mp3"
	}
	out := filepath.Join(p.Dir, uuid.NewString()+ext)
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("failed to write reply audio: %w", err)
	}

	p.Logger.Info("reply audio saved", "path", out, "bytes", len(data))
	return nil
}
