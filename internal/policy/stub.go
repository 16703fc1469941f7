//go:build no_policy

package policy

import (
	"log/slog"

	"zigpan/internal/coordinator"
	"zigpan/internal/nwk"
)

// Engine is a no-op stub when the admission policy is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when the admission policy is disabled.
func NewEngine(_ string, _ *slog.Logger) *Engine { return &Engine{} }

// Start is a no-op.
func (e *Engine) Start() error { return nil }

// Stop is a no-op.
func (e *Engine) Stop() {}

// Admit admits every device; the permit window is the only gate.
func (e *Engine) Admit(nwk.JoinRequest) bool { return true }

// HandleEvent is a no-op.
func (e *Engine) HandleEvent(coordinator.Event) {}
