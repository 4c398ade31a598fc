// Package daemon runs the component lifecycle: dependency-ordered init,
// startup, health monitoring, and reverse-order graceful shutdown on signal.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Daemon struct {
	components    []Component
	shutdownOrder []string

	shutdownTimeout     time.Duration
	healthCheckInterval time.Duration

	mu     sync.RWMutex
	health HealthStatus
}

type Config struct {
	ShutdownTimeout     time.Duration
	HealthCheckInterval time.Duration
}

func New(cfg Config) *Daemon {
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Daemon{
		shutdownTimeout:     shutdown,
		healthCheckInterval: interval,
		health:              StatusStarting,
	}
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	d.shutdownOrder = append([]string{comp.Name()}, d.shutdownOrder...)
	slog.Info("Component registered", "component", comp.Name())
}

// Run starts all components and blocks until the context is cancelled or a
// termination signal arrives, then shuts everything down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.initComponents(ctx); err != nil {
		d.shutdown(context.Background())
		return fmt.Errorf("initialization failed: %w", err)
	}
	if err := d.startComponents(ctx); err != nil {
		d.shutdown(context.Background())
		return fmt.Errorf("startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("Daemon running", "components", len(d.components))

	go d.healthMonitor(ctx)

	<-ctx.Done()

	slog.Info("Shutdown signal received")
	d.setHealth(StatusStopping)
	return d.shutdown(context.Background())
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) initComponents(ctx context.Context) error {
	order, err := d.resolveInitOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		comp := d.componentByName(name)
		if comp == nil {
			continue
		}
		if err := comp.Init(ctx); err != nil {
			return fmt.Errorf("component %s init: %w", name, err)
		}
		slog.Info("Component initialized", "component", name)
	}
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, comp := range d.components {
		if err := comp.Start(ctx); err != nil {
			return fmt.Errorf("component %s start: %w", comp.Name(), err)
		}
		slog.Info("Component started", "component", comp.Name())
	}
	return nil
}

func (d *Daemon) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, d.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for _, name := range d.shutdownOrder {
			comp := d.componentByName(name)
			if comp == nil {
				continue
			}
			if err := comp.Stop(shutdownCtx); err != nil {
				slog.Error("Component stop failed", "component", name, "error", err)
			} else {
				slog.Info("Component stopped", "component", name)
			}
		}
		close(done)
	}()

	select {
	case <-done:
		d.setHealth(StatusStopped)
		slog.Info("Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		d.setHealth(StatusStopped)
		slog.Error("Shutdown timeout exceeded", "timeout", d.shutdownTimeout)
		return fmt.Errorf("shutdown timeout after %v", d.shutdownTimeout)
	}
}

func (d *Daemon) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(d.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unhealthy := 0
			for _, comp := range d.components {
				if err := comp.Health(ctx); err != nil {
					unhealthy++
					slog.Warn("Component unhealthy", "component", comp.Name(), "error", err)
				}
			}
			if unhealthy == 0 {
				slog.Debug("All components healthy", "count", len(d.components))
			}
		}
	}
}

func (d *Daemon) componentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

// resolveInitOrder topologically sorts components by their declared
// dependencies and rejects cycles.
func (d *Daemon) resolveInitOrder() ([]string, error) {
	visited := make(map[string]bool)
	inProgress := make(map[string]bool)
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		if inProgress[name] {
			return fmt.Errorf("circular dependency involving %s", name)
		}
		if visited[name] {
			return nil
		}
		comp := d.componentByName(name)
		if comp == nil {
			return fmt.Errorf("component %s depends on unregistered component", name)
		}

		inProgress[name] = true
		for _, dep := range comp.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		inProgress[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}
	return order, nil
}
