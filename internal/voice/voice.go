// Package voice records a spoken question, uploads it and threads the answer
// into the chat transcript.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"SmartKisan/internal/backend"
	"SmartKisan/internal/chat"
)

// Placeholder stands in for a voice message until its transcription arrives
const Placeholder = "🎤 Voice message"

// State is the recorder state
type State int

const (
	Idle State = iota
	Recording
	Stopping
	Uploading
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Uploading:
		return "uploading"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrBusy             = errors.New("voice message in flight")
	ErrNotRecording     = errors.New("not recording")
	ErrCancelled        = errors.New("recording start cancelled")
	errReleased         = errors.New("microphone already released")
)

// Artifact is a finished recording
type Artifact struct {
	Filename string
	Data     []byte
}

// Capture is an open microphone. Exactly one of Stop or Discard is called.
type Capture interface {
	Stop(ctx context.Context) (Artifact, error)
	Discard() error
}

type Microphone interface {
	RequestPermission(ctx context.Context) (bool, error)
	Acquire(ctx context.Context) (Capture, error)
}

type Uploader interface {
	VoiceChat(ctx context.Context, token string, upload backend.VoiceUpload) (*backend.VoiceChatResponse, error)
}

// Player plays a reply recording referenced by URL
type Player interface {
	Play(ctx context.Context, ref string) error
}

type Alerter interface {
	Alert(title, message string)
}

// Poster runs transcript and alert updates on the UI loop
type Poster interface {
	Post(fn func()) bool
}

// handle releases its capture exactly once, whichever path gets there first
type handle struct {
	capture Capture
	once    sync.Once
}

func (h *handle) stop(ctx context.Context) (Artifact, error) {
	art, err := Artifact{}, errReleased
	h.once.Do(func() {
		art, err = h.capture.Stop(ctx)
	})
	return art, err
}

func (h *handle) discard() error {
	var err error
	h.once.Do(func() {
		err = h.capture.Discard()
	})
	return err
}

// session is one recording, from press to release
type session struct {
	id      string
	started time.Time
	handle  *handle
}

type Options struct {
	Microphone Microphone
	Uploader   Uploader
	Player     Player
	Transcript *chat.Transcript
	Alerts     Alerter
	UI         Poster
	Logger     *slog.Logger
	Meter      metric.Meter
}

// Pipeline drives press-to-talk voice chat
type Pipeline struct {
	mic        Microphone
	uploader   Uploader
	player     Player
	transcript *chat.Transcript
	alerts     Alerter
	ui         Poster
	logger     *slog.Logger
	transition metric.Int64Counter

	mu       sync.Mutex
	state    State
	current  *session
	starting bool
	starts   uint64 // bumped by Teardown to cancel a pending start
}

func NewPipeline(opts Options) (*Pipeline, error) {
	counter, err := opts.Meter.Int64Counter(
		"kisan.voice.transition",
		metric.WithDescription("Voice recorder state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transition counter: %w", err)
	}
	return &Pipeline{
		mic:        opts.Microphone,
		uploader:   opts.Uploader,
		player:     opts.Player,
		transcript: opts.Transcript,
		alerts:     opts.Alerts,
		ui:         opts.UI,
		logger:     opts.Logger,
		transition: counter,
	}, nil
}

// State returns the recorder state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins a recording. Any recording already open is discarded first.
// Permission and acquisition run unlocked. A Teardown in that window cancels
// the start and the new capture is discarded.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.state == Stopping, p.state == Uploading, p.starting:
		p.mu.Unlock()
		return ErrBusy
	}
	previous := p.detachLocked(ctx)
	p.starting = true
	generation := p.starts
	p.mu.Unlock()

	p.release(previous)

	capture, err := p.open(ctx)

	p.mu.Lock()
	p.starting = false
	cancelled := generation != p.starts
	if err != nil || cancelled {
		p.mu.Unlock()
		if capture != nil {
			p.release(&session{id: "cancelled", handle: &handle{capture: capture}})
		}
		if cancelled {
			p.logger.Info("recording start cancelled")
			return ErrCancelled
		}
		return err
	}
	p.current = &session{
		id:      uuid.NewString(),
		started: time.Now(),
		handle:  &handle{capture: capture},
	}
	p.setLocked(ctx, Recording)
	id := p.current.id
	p.mu.Unlock()

	p.logger.Info("recording started", "recording_id", id)
	return nil
}

// open requests permission and acquires the microphone
func (p *Pipeline) open(ctx context.Context) (Capture, error) {
	granted, err := p.mic.RequestPermission(ctx)
	if err != nil || !granted {
		if err != nil {
			p.logger.Warn("microphone permission request failed", "error", err)
		}
		p.alert("Permission Denied", "Microphone access is needed to send voice messages.")
		return nil, ErrPermissionDenied
	}

	capture, err := p.mic.Acquire(ctx)
	if err != nil {
		p.logger.Error("failed to start recording", "error", err)
		p.alert("Recording Error", "Could not start recording.")
		return nil, fmt.Errorf("failed to acquire microphone: %w", err)
	}
	return capture, nil
}

// Stop finishes the recording and sends it. The placeholder message stays in
// the transcript if the upload fails.
func (p *Pipeline) Stop(ctx context.Context, token, language string) error {
	p.mu.Lock()
	if p.state != Recording || p.current == nil {
		p.mu.Unlock()
		return ErrNotRecording
	}
	sess := p.current
	p.current = nil
	p.setLocked(ctx, Stopping)
	p.mu.Unlock()

	art, err := sess.handle.stop(ctx)
	if err != nil {
		p.logger.Error("failed to stop recording", "recording_id", sess.id, "error", err)
		p.fail(ctx, "Recording Error", "Could not save the recording.")
		return fmt.Errorf("failed to stop recording: %w", err)
	}

	var placeholder chat.Ref
	p.ui.Post(func() {
		placeholder = p.transcript.Append(Placeholder, false)
	})
	p.set(ctx, Uploading)

	filename := art.Filename
	if filename == "" {
		filename = sess.id + ".m4a"
	}
	resp, err := p.uploader.VoiceChat(ctx, token, backend.VoiceUpload{
		Filename: filename,
		Audio:    art.Data,
		Language: language,
	})
	if err != nil {
		p.logger.Warn("voice upload failed", "recording_id", sess.id, "error", err)
		p.fail(ctx, "Error", "Failed to process voice message.")
		return err
	}

	p.ui.Post(func() {
		if err := p.transcript.Replace(placeholder, resp.UserText); err != nil {
			p.logger.Warn("dropping voice reply", "recording_id", sess.id, "error", err)
			return
		}
		p.transcript.Append(resp.Reply, true)
	})

	if resp.AudioURL != "" && p.player != nil {
		ref := resp.AudioURL
		go func() {
			if err := p.player.Play(context.WithoutCancel(ctx), ref); err != nil {
				p.logger.Warn("failed to play reply", "audio_url", ref, "error", err)
			}
		}()
	}

	p.logger.Info("voice message answered", "recording_id", sess.id, "duration_ms", time.Since(sess.started).Milliseconds())
	p.set(ctx, Idle)
	return nil
}

// Teardown releases an open microphone without sending anything and cancels
// a start still waiting on the device. An upload already in flight is left to
// finish.
func (p *Pipeline) Teardown() {
	p.mu.Lock()
	p.starts++
	sess := p.detachLocked(context.Background())
	p.mu.Unlock()
	p.release(sess)
}

// detachLocked takes the open recording, if any, and returns the recorder to Idle
func (p *Pipeline) detachLocked(ctx context.Context) *session {
	sess := p.current
	if sess == nil {
		return nil
	}
	p.current = nil
	p.setLocked(ctx, Idle)
	return sess
}

func (p *Pipeline) release(sess *session) {
	if sess == nil {
		return
	}
	if err := sess.handle.discard(); err != nil {
		p.logger.Warn("failed to discard recording", "recording_id", sess.id, "error", err)
	}
	p.logger.Info("recording discarded", "recording_id", sess.id)
}

func (p *Pipeline) fail(ctx context.Context, title, message string) {
	p.alert(title, message)
	p.set(ctx, Error)
	p.set(ctx, Idle)
}

func (p *Pipeline) alert(title, message string) {
	p.ui.Post(func() { p.alerts.Alert(title, message) })
}

func (p *Pipeline) set(ctx context.Context, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLocked(ctx, s)
}

func (p *Pipeline) setLocked(ctx context.Context, s State) {
	from := p.state
	p.state = s
	p.transition.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", s.String()),
	))
}
