package adapter

import (
	"context"
	"log/slog"
)

type connector interface {
	Connect() error
}

// Component manages adapter lifecycles under the daemon. Adapters that need
// a network handshake expose Connect and get it during init.
type Component struct {
	adapters []OutputAdapter
}

func NewComponent(adapters ...OutputAdapter) *Component {
	return &Component{adapters: adapters}
}

func (c *Component) Name() string {
	return "adapters"
}

func (c *Component) Dependencies() []string {
	return nil
}

func (c *Component) Init(ctx context.Context) error {
	for _, a := range c.adapters {
		if conn, ok := a.(connector); ok {
			if err := conn.Connect(); err != nil {
				return err
			}
		}
		slog.Info("Adapter ready", "adapter", a.Name())
	}
	return nil
}

func (c *Component) Start(ctx context.Context) error {
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return nil
}

func (c *Component) Health(ctx context.Context) error {
	for _, a := range c.adapters {
		if err := a.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}
