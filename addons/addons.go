package addons

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-harness/addons/command"
)

// AuxServer is an auxiliary server the application needs while tests run,
// e.g. an HTTP or websocket server.
type AuxServer interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready(ctx context.Context, timeout time.Duration) error
}

type AddonsManager struct {
	log          log.Logger
	servers      []AuxServer
	started      []AuxServer
	readyTimeout time.Duration
}

type addonCfg struct {
	log              log.Logger
	serverGenerators []func(log.Logger) AuxServer
	readyTimeout     time.Duration
}

type Option func(*addonCfg)

// WithServer registers an arbitrary auxiliary server.
func WithServer(s AuxServer) Option {
	return func(cfg *addonCfg) {
		cfg.serverGenerators = append(cfg.serverGenerators, func(log.Logger) AuxServer {
			return s
		})
	}
}

// WithCommandServer registers a server started as an external command.
func WithCommandServer(cfg command.Config) Option {
	return func(c *addonCfg) {
		c.serverGenerators = append(c.serverGenerators, func(l log.Logger) AuxServer {
			return command.NewServer(cfg, l)
		})
	}
}

func WithLogger(l log.Logger) Option {
	return func(cfg *addonCfg) {
		cfg.log = l
	}
}

func WithReadyTimeout(d time.Duration) Option {
	return func(cfg *addonCfg) {
		cfg.readyTimeout = d
	}
}

func NewAddonsManager(opts ...Option) (*AddonsManager, error) {
	cfg := &addonCfg{log: log.New(), readyTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	servers := []AuxServer{}
	for _, generator := range cfg.serverGenerators {
		servers = append(servers, generator(cfg.log))
	}

	return &AddonsManager{
		log:          cfg.log,
		servers:      servers,
		readyTimeout: cfg.readyTimeout,
	}, nil
}

// Start starts every server and waits until it is ready. Servers started
// before a failure are stopped again.
func (m *AddonsManager) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	for _, s := range m.servers {
		m.log.Info("Starting auxiliary server", "name", s.Name())
		if err := s.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("failed to start %s: %w", s.Name(), err), m.Stop(ctx))
		}
		m.started = append(m.started, s)
		if err := s.Ready(ctx, m.readyTimeout); err != nil {
			return errors.Join(fmt.Errorf("%s not ready: %w", s.Name(), err), m.Stop(ctx))
		}
	}
	return nil
}

// Stop stops the started servers in reverse order.
func (m *AddonsManager) Stop(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		s := m.started[i]
		m.log.Info("Stopping auxiliary server", "name", s.Name())
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", s.Name(), err))
		}
	}
	m.started = nil
	return errors.Join(errs...)
}
