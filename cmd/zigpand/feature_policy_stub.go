//go:build no_policy

package main

import (
	"log/slog"

	"zigpan/internal/coordinator"
	"zigpan/internal/nwk"
)

type policyStopper struct{}

func (p *policyStopper) Stop() {}

func initPolicy(_ *Config, _ *coordinator.EventBus, _ *slog.Logger) (nwk.AdmissionPolicy, *policyStopper, error) {
	return nil, &policyStopper{}, nil
}
