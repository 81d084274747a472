package cli

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/omnistore/internal/binding"
	"github.com/roach88/omnistore/internal/kvstore"
	"github.com/roach88/omnistore/internal/metrics"
	"github.com/roach88/omnistore/internal/sqlengine"
)

// session is one browsing context opened for the duration of a command.
type session struct {
	opts     *RootOptions
	ctx      *binding.Context
	scope    *binding.Scope
	registry *kvstore.Registry
	gatherer *prometheus.Registry
}

// openSession opens a browsing context over the configured profile.
func openSession(opts *RootOptions) (*session, error) {
	cfg := opts.Config
	profile := binding.Profile{Root: cfg.Profile, Origin: cfg.Origin}

	gatherer := prometheus.NewRegistry()
	m := metrics.New(gatherer)
	registry := kvstore.NewRegistry(kvstore.WithLogger(opts.Logger), kvstore.WithMetrics(m))

	copts := []binding.ContextOption{
		binding.WithLogger(opts.Logger),
		binding.WithMetrics(m),
		binding.WithRegistry(registry),
		binding.WithKVOptions(kvstore.Options{
			Path:        profile.KVPath(cfg.KV.Database),
			Version:     cfg.KV.Version,
			OpenTimeout: cfg.KV.OpenTimeout,
		}),
		binding.WithRuntimeConfig(sqlengine.RuntimeConfig{
			ResourceDir: cfg.SQLite.ResourceDir,
			Extensions:  cfg.SQLite.Extensions,
		}),
		binding.WithImageLayout(binding.ImageLayout(cfg.SQLite.ImageLayout)),
		binding.WithImageKey(cfg.SQLite.ImageKey),
	}
	copts = append(copts, opts.ContextOptions...)

	c, err := binding.NewContext(profile, copts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open profile", err)
	}
	return &session{
		opts:     opts,
		ctx:      c,
		scope:    c.NewScope(),
		registry: registry,
		gatherer: gatherer,
	}, nil
}

// Close closes the scope and the context, then writes the metrics file if
// one was requested.
func (s *session) Close() error {
	err := errors.Join(s.scope.Close(), s.ctx.Close(), s.registry.Close())
	if path := s.opts.MetricsFile; path != "" {
		if werr := prometheus.WriteToTextfile(path, s.gatherer); werr != nil {
			err = errors.Join(err, fmt.Errorf("write metrics: %w", werr))
		}
	}
	return err
}

// closeSession closes s and keeps the first error.
func closeSession(s *session, err *error) {
	if cerr := s.Close(); cerr != nil {
		s.opts.Logger.Warn("closing session", "error", cerr)
		if *err == nil {
			*err = cerr
		}
	}
}
