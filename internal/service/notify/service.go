// Package notify decides whether chat activity should raise a user alert and
// hands approved alerts to a platform dispatcher.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind classifies an alert.
type Kind string

const (
	KindNewMessage      Kind = "new_message"
	KindNewConversation Kind = "new_conversation"
	KindUrgentMessage   Kind = "urgent_message"
	KindVisitorActivity Kind = "visitor_joined"
)

// Preferences are the user's alert settings.
type Preferences struct {
	Enabled           bool      `yaml:"enabled"`
	NewMessages       bool      `yaml:"new_messages"`
	NewConversations  bool      `yaml:"new_conversations"`
	UrgentMessages    bool      `yaml:"urgent_messages"`
	VisitorActivity   bool      `yaml:"visitor_activity"`
	SoundEnabled      bool      `yaml:"sound_enabled"`
	DoNotDisturb      bool      `yaml:"do_not_disturb"`
	DoNotDisturbUntil time.Time `yaml:"do_not_disturb_until,omitempty"`
}

// DefaultPreferences returns the settings used before anything is saved.
// Alerts stay off until the user opts in.
func DefaultPreferences() Preferences {
	return Preferences{
		Enabled:          false,
		NewMessages:      true,
		NewConversations: true,
		UrgentMessages:   true,
		VisitorActivity:  false,
		SoundEnabled:     true,
	}
}

func (p Preferences) quiet(now time.Time) bool {
	if !p.DoNotDisturb {
		return false
	}
	return p.DoNotDisturbUntil.IsZero() || now.Before(p.DoNotDisturbUntil)
}

func (p Preferences) allows(kind Kind) bool {
	switch kind {
	case KindNewMessage:
		return p.NewMessages
	case KindNewConversation:
		return p.NewConversations
	case KindUrgentMessage:
		return p.UrgentMessages
	case KindVisitorActivity:
		return p.VisitorActivity
	default:
		return false
	}
}

// Notification is an approved alert.
type Notification struct {
	Kind           Kind
	ConversationID string
	Title          string
	Body           string
	Sound          bool
	// Sticky alerts should stay until the user acts on them.
	Sticky bool
}

// Dispatcher shows alerts on the host platform.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n Notification) error

func (f DispatcherFunc) Dispatch(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the time source used for do-not-disturb windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the notification preferences of one user session.
type Service struct {
	mu         sync.RWMutex
	prefs      Preferences
	store      Store
	dispatcher Dispatcher
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService loads preferences from store, falling back to defaults.
func NewService(store Store, dispatcher Dispatcher, opts ...Option) (*Service, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     log.Logger.With().Str("component", "notify").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	prefs, ok, err := store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load notification preferences")
	}
	if !ok {
		prefs = DefaultPreferences()
	}
	s.prefs = prefs
	return s, nil
}

// Preferences returns a copy of the current settings.
func (s *Service) Preferences() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// Update applies fn to the settings and persists the result. The in-memory
// settings only change if the save succeeds.
func (s *Service) Update(fn func(*Preferences)) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.prefs
	fn(&next)
	if err := s.store.Save(next); err != nil {
		return s.prefs, errors.Wrap(err, "save notification preferences")
	}
	s.prefs = next
	return next, nil
}

// EnableDoNotDisturb silences alerts for d, or until disabled when d is zero.
func (s *Service) EnableDoNotDisturb(d time.Duration) error {
	_, err := s.Update(func(p *Preferences) {
		p.DoNotDisturb = true
		p.DoNotDisturbUntil = time.Time{}
		if d > 0 {
			p.DoNotDisturbUntil = s.now().Add(d).UTC()
		}
	})
	return err
}

// DisableDoNotDisturb lifts any do-not-disturb window.
func (s *Service) DisableDoNotDisturb() error {
	_, err := s.Update(func(p *Preferences) {
		p.DoNotDisturb = false
		p.DoNotDisturbUntil = time.Time{}
	})
	return err
}

// Allowed reports whether an alert of kind should be raised. Activity in the
// conversation the user is looking at never alerts.
func (s *Service) Allowed(kind Kind, viewing bool) bool {
	if viewing {
		return false
	}
	prefs := s.Preferences()
	if !prefs.Enabled || prefs.quiet(s.now()) {
		return false
	}
	return prefs.allows(kind)
}

// Notify dispatches n if its kind is allowed. It reports whether an alert was sent.
func (s *Service) Notify(ctx context.Context, n Notification, viewing bool) (bool, error) {
	if !s.Allowed(n.Kind, viewing) {
		s.logger.Debug().Str("kind", string(n.Kind)).Str("conversation", n.ConversationID).Msg("notification suppressed")
		return false, nil
	}
	if s.dispatcher == nil {
		return false, nil
	}
	n.Sound = s.Preferences().SoundEnabled
	if err := s.dispatcher.Dispatch(ctx, n); err != nil {
		return false, errors.Wrapf(err, "dispatch %s notification", n.Kind)
	}
	return true, nil
}

const maxBodyRunes = 100

// NewMessage builds the alert for a message from senderName.
func NewMessage(conversationID, senderName, content string) Notification {
	return Notification{
		Kind:           KindNewMessage,
		ConversationID: conversationID,
		Title:          fmt.Sprintf("New message from %s", senderName),
		Body:           truncate(content, maxBodyRunes),
	}
}

// NewConversation builds the alert for a conversation a visitor just started.
func NewConversation(conversationID, visitorName, websiteName string) Notification {
	return Notification{
		Kind:           KindNewConversation,
		ConversationID: conversationID,
		Title:          "New conversation started",
		Body:           fmt.Sprintf("%s started a conversation on %s", visitorName, websiteName),
		Sticky:         true,
	}
}

// UrgentMessage builds the alert for a message flagged urgent.
func UrgentMessage(conversationID, senderName, content string) Notification {
	return Notification{
		Kind:           KindUrgentMessage,
		ConversationID: conversationID,
		Title:          fmt.Sprintf("Urgent message from %s", senderName),
		Body:           content,
		Sticky:         true,
	}
}

// VisitorActivity builds the alert for visitors arriving in a conversation.
func VisitorActivity(conversationID, visitorName string) Notification {
	return Notification{
		Kind:           KindVisitorActivity,
		ConversationID: conversationID,
		Title:          "Visitor activity",
		Body:           fmt.Sprintf("%s joined the conversation", visitorName),
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
