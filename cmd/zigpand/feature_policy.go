//go:build !no_policy

package main

import (
	"log/slog"

	"zigpan/internal/coordinator"
	"zigpan/internal/nwk"
	"zigpan/internal/policy"
)

type policyStopper struct {
	engine *policy.Engine
	unsub  func()
}

func (p *policyStopper) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	if p.engine != nil {
		p.engine.Stop()
	}
}

// initPolicy loads the admission policy script when one is configured.
// A script that fails to load is fatal: starting without a configured
// policy would silently admit every device the permit window lets in.
func initPolicy(cfg *Config, events *coordinator.EventBus, logger *slog.Logger) (nwk.AdmissionPolicy, *policyStopper, error) {
	if cfg.Policy.Script == "" {
		return nil, &policyStopper{}, nil
	}
	engine := policy.NewEngine(cfg.Policy.Script, logger)
	if err := engine.Start(); err != nil {
		return nil, nil, err
	}
	unsub := events.OnAll(engine.HandleEvent)
	logger.Info("admission policy loaded", "script", cfg.Policy.Script)
	return engine, &policyStopper{engine: engine, unsub: unsub}, nil
}
