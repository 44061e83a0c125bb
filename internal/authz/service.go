package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"parcela.org/internal/errs"
)

// Source loads an actor's subject and permission pairs from storage.
type Source interface {
	LoadPrincipal(ctx context.Context, actorID string) (Principal, error)
}

// Cache keeps principal snapshots for the length of a session window.
// Role edits become visible to a cached actor only after the entry expires
// or the cache is purged.
type Cache interface {
	Get(ctx context.Context, actorID string) (Principal, bool, error)
	Set(ctx context.Context, p Principal) error
	Purge(ctx context.Context) error
}

// Service resolves principals, consulting the cache first.
type Service struct {
	source Source
	cache  Cache
	log    *zap.SugaredLogger
}

// Option configures Service.
type Option func(*Service)

// WithCache enables snapshot caching.
func WithCache(c Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService constructs a Service.
func NewService(source Source, opts ...Option) (*Service, error) {
	if source == nil {
		return nil, errors.New("authz: principal source is required")
	}
	s := &Service{source: source, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Principal returns the snapshot for actorID. Unknown actors are unauthorized.
func (s *Service) Principal(ctx context.Context, actorID string) (Principal, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Principal{}, errs.ErrUnauthorized
	}
	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, actorID)
		if err != nil {
			s.log.Warnw("principal cache read failed", "actor_id", actorID, "error", err)
		} else if ok {
			return p, nil
		}
	}
	p, err := s.source.LoadPrincipal(ctx, actorID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Principal{}, fmt.Errorf("%w: unknown actor", errs.ErrUnauthorized)
		}
		return Principal{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.log.Warnw("principal cache write failed", "actor_id", actorID, "error", err)
		}
	}
	return p, nil
}

// Invalidate drops every cached snapshot. Called after role edits.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Purge(ctx)
}
