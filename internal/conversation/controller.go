// Package conversation owns the message thread of a chat session and the
// lifecycle of the single classification call each submission triggers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"classifier-chat/internal/domain"
)

// Classifier sends a product URL to the remote endpoint and returns its message.
type Classifier interface {
	Classify(ctx context.Context, productURL string) (string, error)
}

// TurnObserver is told about every resolved turn. Errors are logged and
// never affect the conversation.
type TurnObserver interface {
	TurnResolved(ctx context.Context, turn domain.Turn) error
}

// Snapshot is a read-only view of a conversation.
type Snapshot struct {
	ID       string           `json:"id"`
	Messages []domain.Message `json:"messages"`
	Loading  bool             `json:"loading"`
}

// Turn tracks one accepted submission until its reply is appended.
type Turn struct {
	User domain.Message

	done  chan struct{}
	reply domain.Message
}

// Done is closed once the reply has been appended.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Reply returns the system or error message appended for this turn. It is
// only meaningful after Done is closed.
func (t *Turn) Reply() domain.Message {
	<-t.done
	return t.reply
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTruncateLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.truncateLimit = n
		}
	}
}

func WithObservers(observers ...TurnObserver) Option {
	return func(c *Controller) {
		for _, o := range observers {
			if o != nil {
				c.observers = append(c.observers, o)
			}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller holds one conversation: an append-only message list and the
// loading flag. At most one classification call is in flight at a time.
type Controller struct {
	id            string
	classifier    Classifier
	observers     []TurnObserver
	logger        *slog.Logger
	now           func() time.Time
	truncateLimit int

	mu           sync.Mutex
	messages     []domain.Message
	loading      bool
	inflight     chan struct{} // done channel of the latest turn
	lastID       int64
	lastActivity time.Time
}

// NewController creates an empty conversation identified by id.
func NewController(id string, classifier Classifier, opts ...Option) (*Controller, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("conversation: id must not be empty")
	}
	if classifier == nil {
		return nil, errors.New("conversation: classifier must not be nil")
	}
	c := &Controller{
		id:            id,
		classifier:    classifier,
		logger:        slog.Default(),
		now:           time.Now,
		truncateLimit: DefaultTruncateLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conversation_id", id)
	c.lastActivity = c.now()
	return c, nil
}

func (c *Controller) ID() string {
	return c.id
}

// Submit appends raw as a user message and starts the classification call
// in the background. Blank input is rejected without touching the thread,
// as is any submission made while a call is still in flight.
func (c *Controller) Submit(ctx context.Context, raw string) (*Turn, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, newError(ErrorInvalidInput, "empty_input", nil)
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return nil, newError(ErrorBusy, "request_in_flight", nil)
	}
	turn := &Turn{
		User: c.appendLocked(domain.KindUser, raw),
		done: make(chan struct{}),
	}
	c.loading = true
	c.inflight = turn.done
	c.mu.Unlock()

	c.logger.Info("classification requested", "message_id", turn.User.ID)

	// The call outlives the submitting request; there is no cancellation.
	go c.resolve(context.WithoutCancel(ctx), turn)
	return turn, nil
}

func (c *Controller) resolve(ctx context.Context, turn *Turn) {
	kind, content := c.classify(ctx, turn.User.Content)

	c.mu.Lock()
	turn.reply = c.appendLocked(kind, content)
	c.loading = false
	c.mu.Unlock()

	c.logger.Info("classification resolved", "message_id", turn.reply.ID, "kind", kind)
	c.notify(ctx, domain.Turn{ConversationID: c.id, Request: turn.User, Reply: turn.reply})
	close(turn.done)
}

func (c *Controller) classify(ctx context.Context, productURL string) (kind domain.Kind, content string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classifier panicked", "panic", r)
			kind, content = domain.KindError, failureText(fmt.Errorf("%v", r), c.truncateLimit)
		}
	}()

	msg, err := c.classifier.Classify(ctx, productURL)
	if err != nil {
		c.logger.Warn("classification failed", "err", err)
		return domain.KindError, failureText(err, c.truncateLimit)
	}
	return domain.KindSystem, msg
}

func (c *Controller) notify(ctx context.Context, turn domain.Turn) {
	for _, o := range c.observers {
		if err := o.TurnResolved(ctx, turn); err != nil {
			c.logger.Warn("turn observer failed", "err", err)
		}
	}
}

// appendLocked must be called with c.mu held.
func (c *Controller) appendLocked(kind domain.Kind, content string) domain.Message {
	now := c.now()
	id := now.UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	c.lastActivity = now

	msg := domain.Message{
		ID:        id,
		Kind:      kind,
		Content:   content,
		Timestamp: now,
	}
	c.messages = append(c.messages, msg)
	return msg
}

// Messages returns a copy of the thread in creation order.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}

func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:       c.id,
		Messages: append([]domain.Message{}, c.messages...),
		Loading:  c.loading,
	}
}

// LastActivity is the time of the most recently appended message, or the
// creation time for an empty conversation.
func (c *Controller) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Wait blocks until the latest turn has appended its reply and every
// observer has returned, or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	inflight := c.inflight
	c.mu.Unlock()
	if inflight == nil {
		return nil
	}
	select {
	case <-inflight:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
