package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultIdleTTL = 2 * time.Hour

// Registry keeps the live conversations of this process, keyed by id.
// Nothing survives a restart.
type Registry struct {
	classifier Classifier
	opts       []Option
	idleTTL    time.Duration
	now        func() time.Time

	mu            sync.RWMutex
	conversations map[string]*Controller
}

// NewRegistry creates a Registry whose conversations all use classifier and
// opts. Conversations idle for longer than idleTTL are dropped.
func NewRegistry(classifier Classifier, idleTTL time.Duration, opts ...Option) (*Registry, error) {
	if classifier == nil {
		return nil, errors.New("conversation: classifier must not be nil")
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &Registry{
		classifier:    classifier,
		opts:          opts,
		idleTTL:       idleTTL,
		now:           time.Now,
		conversations: make(map[string]*Controller),
	}, nil
}

// Create starts a new empty conversation with a fresh id.
func (r *Registry) Create() (*Controller, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, newError(ErrorInternal, "id_generation_failed", err)
	}
	c, err := NewController(id.String(), r.classifier, r.opts...)
	if err != nil {
		return nil, newError(ErrorInternal, "controller_init_failed", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictIdleLocked()
	r.conversations[c.ID()] = c
	return c, nil
}

// Get returns the conversation with the given id.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, newError(ErrorNotFound, "unknown_conversation", nil)
	}
	return c, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}

// Wait blocks until every conversation has resolved its latest turn and
// notified its observers.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.RLock()
	controllers := make([]*Controller, 0, len(r.conversations))
	for _, c := range r.conversations {
		controllers = append(controllers, c)
	}
	r.mu.RUnlock()

	for _, c := range controllers {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) evictIdleLocked() {
	cutoff := r.now().Add(-r.idleTTL)
	for id, c := range r.conversations {
		if c.Loading() {
			continue
		}
		if c.LastActivity().Before(cutoff) {
			delete(r.conversations, id)
		}
	}
}
