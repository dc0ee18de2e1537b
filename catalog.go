package draftguard

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CatalogState is the discovery lifecycle of a ModelCatalog.
type CatalogState int

const (
	CatalogUninitialized CatalogState = iota
	CatalogInitializing
	CatalogReady
)

func (s CatalogState) String() string {
	switch s {
	case CatalogUninitialized:
		return "uninitialized"
	case CatalogInitializing:
		return "initializing"
	case CatalogReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ModelLister discovers available models.
type ModelLister interface {
	ListModels(ctx context.Context, auth Auth) ([]string, error)
}

// ModelCatalog memoizes model discovery. The first caller triggers one
// ListModels request; concurrent callers wait for the same result. Success
// and failure are both kept until Reset.
type ModelCatalog struct {
	lister ModelLister
	auth   Auth
	logger *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	state     CatalogState
	available map[string]bool
	err       error
}

// NewModelCatalog creates a catalog. Without a credential the catalog starts
// ready with no discovered models.
func NewModelCatalog(lister ModelLister, auth Auth, logger *slog.Logger) *ModelCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ModelCatalog{lister: lister, auth: auth, logger: logger}
	if !auth.Configured() {
		c.state = CatalogReady
		c.err = ErrMissingCredential
	}
	return c
}

// State returns the current discovery state.
func (c *ModelCatalog) State() CatalogState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Available returns the discovered model set. ok is false when discovery
// failed or never ran; the returned error is the memoized failure.
func (c *ModelCatalog) Available(ctx context.Context) (available map[string]bool, ok bool, err error) {
	c.mu.RLock()
	if c.state == CatalogReady {
		available, err = c.available, c.err
		c.mu.RUnlock()
		return available, err == nil, err
	}
	c.mu.RUnlock()

	ch := c.group.DoChan("discover", func() (any, error) {
		return nil, c.discover()
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-ch:
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available, c.err == nil, c.err
}

// discover runs once per catalog lifetime. It does not use the caller's
// context: the result is shared by every waiter.
func (c *ModelCatalog) discover() error {
	c.mu.Lock()
	if c.state == CatalogReady {
		c.mu.Unlock()
		return c.err
	}
	c.state = CatalogInitializing
	c.mu.Unlock()

	models, err := c.lister.ListModels(context.Background(), c.auth)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn("model_discovery_failed", "error", err)
		c.err = err
		c.available = nil
	} else {
		set := make(map[string]bool, len(models))
		for _, m := range models {
			set[m] = true
		}
		c.available = set
		c.err = nil
		c.logger.Info("model_discovery_ready", "models", len(models))
	}
	c.state = CatalogReady
	return c.err
}

// Reset forgets the memoized result so the next call discovers again.
func (c *ModelCatalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.auth.Configured() {
		return
	}
	c.state = CatalogUninitialized
	c.available = nil
	c.err = nil
}
