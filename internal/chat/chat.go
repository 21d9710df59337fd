package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"SmartKisan/internal/backend"
)

// ErrStaleRef is returned when a message was cleared by Reset
var ErrStaleRef = errors.New("message belongs to a previous conversation")

// FallbackReply is shown in place of a reply when the assistant cannot be reached
const FallbackReply = "Network Error. Please try again."

// Message is one line of the conversation
type Message struct {
	Text      string
	IsBot     bool
	Timestamp time.Time
}

// Transcript is the conversation shown on the chat screen. Messages are only
// appended; Replace swaps a voice placeholder for its transcription and Reset
// starts over.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	epoch    uint64
	now      func() time.Time
}

// Ref points at one message. It goes stale when the transcript is reset.
type Ref struct {
	epoch uint64
	index int
}

// NewTranscript starts a conversation with the assistant's greeting
func NewTranscript(greeting string) *Transcript {
	t := &Transcript{now: time.Now}
	if greeting != "" {
		t.Append(greeting, true)
	}
	return t
}

// Append adds a message
func (t *Transcript) Append(text string, isBot bool) Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, Message{Text: text, IsBot: isBot, Timestamp: t.now()})
	return Ref{epoch: t.epoch, index: len(t.messages) - 1}
}

// Replace swaps the text of the message at ref
func (t *Transcript) Replace(ref Ref, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ref.epoch != t.epoch {
		return ErrStaleRef
	}
	if ref.index < 0 || ref.index >= len(t.messages) {
		return fmt.Errorf("message %d out of range", ref.index)
	}
	t.messages[ref.index].Text = text
	return nil
}

// Reset starts a new conversation with greeting
func (t *Transcript) Reset(greeting string) {
	t.mu.Lock()
	t.messages = nil
	t.epoch++
	t.mu.Unlock()
	if greeting != "" {
		t.Append(greeting, true)
	}
}

// Messages returns a copy of the conversation
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Greeting is the assistant's opening line for a language
func Greeting(language, name string) string {
	switch language {
	case "hi":
		return fmt.Sprintf("नमस्ते %s! मैं आपका स्मार्ट किसान सहायक हूं।", name)
	case "te":
		return fmt.Sprintf("నమస్కారం %s! నేను మీ స్మార్ట్ కిసాన్ అసిస్టెంట్ ని.", name)
	default:
		return fmt.Sprintf("Namaste %s! I am your Smart Kisan Assistant.", name)
	}
}

type Sender interface {
	Chat(ctx context.Context, token string, req backend.ChatRequest) (*backend.ChatResponse, error)
}

// Assistant answers typed questions
type Assistant struct {
	src    Sender
	logger *slog.Logger
}

func NewAssistant(src Sender, logger *slog.Logger) *Assistant {
	return &Assistant{src: src, logger: logger}
}

// Normalize trims input; an empty result means there is nothing to send
func Normalize(text string) string {
	return strings.TrimSpace(text)
}

// Reply asks the assistant. On failure it returns FallbackReply together with
// the error so the caller can still react to a rejected token.
func (a *Assistant) Reply(ctx context.Context, token, language, text string) (string, error) {
	resp, err := a.src.Chat(ctx, token, backend.ChatRequest{Message: text, Language: language})
	if err != nil {
		a.logger.Warn("chat request failed", "error", err)
		return FallbackReply, err
	}
	return resp.Reply, nil
}
