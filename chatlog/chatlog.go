// Package chatlog keeps the local history of chat conversations.
package chatlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/novabot/novabot-cli/store"
)

const (
	// MaxConversations is how many conversations are kept, newest first.
	MaxConversations = 100

	// PreviewLength is the maximum preview length in characters.
	PreviewLength = 80

	defaultPreview   = "Conversation"
	attachmentPrefix = "[Attachment:"
)

// ErrNotFound is returned for an unknown conversation id.
var ErrNotFound = errors.New("conversation not found")

// Message is one stored chat turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Mood      string    `json:"mood,omitempty"`
}

// Conversation is a saved chat.
type Conversation struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Messages []Message `json:"messages"`
	Preview  string    `json:"preview"`
}

// Log stores conversations in a store.Store under store.KeyConversations.
type Log struct {
	store store.Store
	now   func() time.Time
	log   zerolog.Logger

	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New returns a Log backed by s.
func New(s store.Store, opts ...Option) *Log {
	l := &Log{
		store: s,
		now:   time.Now,
		log:   log.With().Str("component", "chatlog").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Save writes the conversation with the given id, replacing an existing one
// in place or adding it at the front. An empty id starts a new conversation.
// Attachment descriptor lines are dropped from the stored messages.
func (l *Log) Save(id string, messages []Message) (*Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list, err := l.load()
	if err != nil {
		return nil, err
	}

	now := l.now()
	if id == "" {
		id = uuid.NewString()
	}

	cleaned := make([]Message, len(messages))
	for i, m := range messages {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		m.Content = stripAttachments(m.Content)
		cleaned[i] = m
	}

	conv := Conversation{
		ID:       id,
		Created:  now,
		Updated:  now,
		Messages: cleaned,
		Preview:  preview(cleaned),
	}
	conv.Name = conv.Preview
	if len(cleaned) > 0 {
		conv.Created = cleaned[0].Timestamp
	}

	replaced := false
	for i := range list {
		if list[i].ID == id {
			list[i] = conv
			replaced = true
			break
		}
	}
	if !replaced {
		list = append([]Conversation{conv}, list...)
	}
	if len(list) > MaxConversations {
		list = list[:MaxConversations]
	}

	if err := l.save(list); err != nil {
		return nil, err
	}
	return &conv, nil
}

// List returns all conversations, newest first.
func (l *Log) List() ([]Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Get returns one conversation.
func (l *Log) Get(id string) (*Conversation, error) {
	list, err := l.List()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete removes one conversation.
func (l *Log) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	list, err := l.load()
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			return l.save(append(list[:i], list[i+1:]...))
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Transcript renders the conversation as "You: ..." and "AI: ..." lines.
// System messages are left out.
func Transcript(c *Conversation) string {
	var b strings.Builder
	for _, m := range c.Messages {
		switch m.Role {
		case "user":
			b.WriteString("You: ")
		case "assistant":
			b.WriteString("AI: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (l *Log) load() ([]Conversation, error) {
	raw, err := l.store.Get(store.KeyConversations)
	if errors.Is(err, store.ErrNotFound) {
		return []Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}

	var list []Conversation
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		l.log.Warn().Err(err).Msg("conversation log is corrupt, starting over")
		return []Conversation{}, nil
	}
	return list, nil
}

func (l *Log) save(list []Conversation) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode conversations: %w", err)
	}
	if err := l.store.Set(store.KeyConversations, string(data)); err != nil {
		return fmt.Errorf("failed to write conversations: %w", err)
	}
	return nil
}

func stripAttachments(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.HasPrefix(line, attachmentPrefix) {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// preview is the first PreviewLength characters of the first user message.
func preview(messages []Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) > PreviewLength {
			runes = runes[:PreviewLength]
		}
		if len(runes) == 0 {
			break
		}
		return string(runes)
	}
	return defaultPreview
}
