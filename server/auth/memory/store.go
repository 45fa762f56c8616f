package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/zaman-cal/seriesd/server/auth"
)

// Store is an in-memory actor registry. Requests carry only the actor id
// (and optionally the selected tenant); privilege and memberships come from
// the registry.
type Store struct {
	mu     sync.RWMutex
	actors map[string]auth.Actor
	logger *slog.Logger
}

// New creates a new in-memory actor registry
func New(opts ...Option) *Store {
	s := &Store{
		actors: make(map[string]auth.Actor),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Option represents a configuration option for the Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// AddActor registers an actor profile. ActiveTenantID is ignored; it is
// chosen per request.
func (s *Store) AddActor(actor auth.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actor.ID == "" {
		return fmt.Errorf("actor id is required")
	}
	if _, exists := s.actors[actor.ID]; exists {
		s.logger.Warn("failed to add actor: already exists",
			"actor_id", actor.ID)
		return fmt.Errorf("actor already exists: %s", actor.ID)
	}

	actor.ActiveTenantID = ""
	actor.TenantIDs = slices.Clone(actor.TenantIDs)
	s.actors[actor.ID] = actor

	s.logger.Info("actor added",
		"actor_id", actor.ID,
		"privilege", actor.Privilege.String(),
		"tenants", len(actor.TenantIDs))

	return nil
}

// Resolve implements auth.Resolver
func (s *Store) Resolve(_ context.Context, r *http.Request) (*auth.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(auth.HeaderActorID))
	if id == "" {
		return nil, &auth.Error{
			Type:    auth.ErrUnauthorized,
			Message: "authentication required",
		}
	}

	s.mu.RLock()
	profile, exists := s.actors[id]
	s.mu.RUnlock()

	if !exists {
		s.logger.Info("actor resolution failed: unknown actor",
			"actor_id", id)
		return nil, &auth.Error{
			Type:    auth.ErrUnauthorized,
			Message: "unknown actor",
		}
	}

	actor := profile
	actor.TenantIDs = slices.Clone(profile.TenantIDs)
	if active := strings.TrimSpace(r.Header.Get(auth.HeaderActiveTenant)); active != "" {
		if !actor.MemberOf(active) {
			s.logger.Warn("actor resolution failed: forbidden tenant",
				"actor_id", id,
				"tenant_id", active)
			return nil, &auth.Error{
				Type:    auth.ErrForbidden,
				Message: fmt.Sprintf("actor %s is not a member of tenant %s", id, active),
			}
		}
		actor.ActiveTenantID = active
	}

	s.logger.Debug("actor resolved",
		"actor_id", id,
		"tenant_id", actor.ActiveTenantID)

	return &actor, nil
}
