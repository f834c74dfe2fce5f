// Package app turns a loaded configuration into the shared pieces every
// binary needs: logger, event bus and stores.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/config"
	"github.com/cugtyt/agentflow-distributed/internal/eventbus"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/pkg/logger"
)

// Resources owns everything opened from the configuration and closes it in
// reverse order.
type Resources struct {
	Logger     *slog.Logger
	Bus        eventbus.EventBus
	Workflows  store.WorkflowStore
	Heartbeats *store.AgentStore

	closers []io.Closer
}

func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Resources) track(c io.Closer) {
	r.closers = append(r.closers, c)
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	return logger.New(logger.Options{Level: cfg.Level, Format: cfg.Format, File: cfg.File})
}

// Open builds the logger and the event bus. The workflow store is only
// opened when withStore is set; agents never touch it.
func Open(ctx context.Context, cfg *config.Config, withStore bool) (*Resources, error) {
	log, logCloser, err := NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	res := &Resources{Logger: log}
	res.track(logCloser)

	bus, err := OpenBus(cfg, log)
	if err != nil {
		res.Close()
		return nil, err
	}
	res.Bus = bus
	res.track(bus)

	if withStore {
		if err := res.openStore(ctx, cfg); err != nil {
			res.Close()
			return nil, err
		}
	}
	return res, nil
}

func OpenBus(cfg *config.Config, log *slog.Logger) (eventbus.EventBus, error) {
	switch cfg.Bus.Kind {
	case "memory":
		log.Info("using in-process event bus")
		return eventbus.NewMemoryBus(), nil
	case "nats":
		return eventbus.NewDistributedEventBus(eventbus.Options{
			URL:       cfg.Bus.URL,
			Prefix:    cfg.Bus.Prefix,
			QueueName: cfg.Orchestrator.ResultsQueue,
			Logger:    log,
		})
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
	}
}

func (r *Resources) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Kind {
	case "memory":
		r.Logger.Info("using in-memory workflow store")
		r.Workflows = store.NewMemoryStore()
		r.track(r.Workflows)
		return nil
	case "redis":
		client, err := store.NewRedisClient(ctx, cfg.Store.RedisURL, r.Logger)
		if err != nil {
			return err
		}
		// Closing the workflow store closes the shared client.
		r.Workflows = store.NewRedisWorkflowStore(client, cfg.Store.Retention)
		r.Heartbeats = store.NewAgentStore(client)
		r.track(r.Workflows)
		return nil
	default:
		return fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

// Serve runs an HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
