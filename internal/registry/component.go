package registry

import (
	"context"
	"log/slog"
)

// Component adapts the store to the daemon lifecycle: state is loaded during
// init, before anything that reads tenants starts, and flushed on shutdown.
type Component struct {
	store *Store
}

func NewComponent(store *Store) *Component {
	return &Component{store: store}
}

func (c *Component) Name() string {
	return "registry"
}

func (c *Component) Dependencies() []string {
	return nil
}

func (c *Component) Init(ctx context.Context) error {
	if err := c.store.Load(); err != nil {
		return err
	}
	slog.Info("Registry loaded", "tenants", len(c.store.All()))
	return nil
}

func (c *Component) Start(ctx context.Context) error {
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return c.store.Save()
}

func (c *Component) Health(ctx context.Context) error {
	return nil
}
