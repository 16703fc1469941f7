//go:build !no_policy

package policy

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zigpan/internal/coordinator"
	"zigpan/internal/frame"
	"zigpan/internal/nwk"
)

func startEngine(t *testing.T, script string) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.lua")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func routerJoin() nwk.JoinRequest {
	return nwk.JoinRequest{
		IEEE: frame.IEEEAddr(0x00124B00AABB0001),
		Capabilities: frame.CapabilityInfo{
			FullFunction: true, ACPower: true, RxOnWhenIdle: true,
			SecurityCapable: true, AllocateAddress: true,
		},
	}
}

func sleepyJoin() nwk.JoinRequest {
	return nwk.JoinRequest{
		IEEE:         frame.IEEEAddr(0x00124B00AABB0002),
		Capabilities: frame.CapabilityInfo{AllocateAddress: true},
	}
}

func TestAdmitVerdicts(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   bool
	}{
		{"accept string", `function on_join(device) return "accept" end`, true},
		{"deny string", `function on_join(device) return "deny" end`, false},
		{"true boolean", `function on_join(device) return true end`, true},
		{"false boolean", `function on_join(device) return false end`, false},
		{"no return", `function on_join(device) end`, true},
		{"unknown verdict", `function on_join(device) return "maybe" end`, true},
		{"no handler", `-- observation only`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := startEngine(t, tt.script)
			if got := e.Admit(routerJoin()); got != tt.want {
				t.Errorf("Admit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdmitSeesDeviceFields(t *testing.T) {
	e := startEngine(t, `
function on_join(device)
	if device.rejoin then return "deny" end
	if device.router and device.rx_on_when_idle then return "accept" end
	return "deny"
end
`)

	if !e.Admit(routerJoin()) {
		t.Error("router denied")
	}
	if e.Admit(sleepyJoin()) {
		t.Error("sleepy device admitted, script denies non-routers")
	}

	rejoin := routerJoin()
	rejoin.Rejoin = true
	if e.Admit(rejoin) {
		t.Error("rejoin admitted, script denies rejoins")
	}
}

func TestAdmitFailsOpenOnError(t *testing.T) {
	e := startEngine(t, `function on_join(device) error("boom") end`)
	if !e.Admit(routerJoin()) {
		t.Error("erroring script denied the join")
	}
}

func TestAdmitFailsOpenOnTimeout(t *testing.T) {
	e := startEngine(t, `function on_join(device) while true do end end`)

	start := time.Now()
	if !e.Admit(routerJoin()) {
		t.Error("looping script denied the join")
	}
	if elapsed := time.Since(start); elapsed > 2*admitTimeout+time.Second {
		t.Errorf("Admit took %v, want bounded by the admission budget", elapsed)
	}
}

func TestStartRejectsBrokenScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.lua")
	if err := os.WriteFile(path, []byte(`function on_join( -- unterminated`), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("Start accepted a script that does not parse")
	}
}

func TestStartRejectsMissingScript(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "absent.lua"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("Start accepted a missing script file")
	}
}

func TestSandboxBlocksOS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.lua")
	if err := os.WriteFile(path, []byte(`local t = os.time()`), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("sandboxed script reached the os library")
	}
}

// Events and admissions share the command channel, so a decision made
// after an event is guaranteed to see its effects.
func TestEventsVisibleToAdmission(t *testing.T) {
	e := startEngine(t, `
rotations = 0
function on_event(event)
	if event.type == "key_rotated" then rotations = rotations + 1 end
end
function on_join(device)
	if rotations > 0 then return "deny" end
	return "accept"
end
`)

	if !e.Admit(routerJoin()) {
		t.Fatal("baseline admission denied")
	}

	e.HandleEvent(coordinator.Event{
		Type: coordinator.EventKeyRotated,
		Data: coordinator.KeyRotatedEvent{KeySeq: 2},
	})

	if e.Admit(routerJoin()) {
		t.Error("admission did not observe the event")
	}
}

func TestHandleEventIgnoredWithoutHandler(t *testing.T) {
	e := startEngine(t, `function on_join(device) return "accept" end`)
	// Must not block or panic.
	for i := 0; i < 100; i++ {
		e.HandleEvent(coordinator.Event{Type: coordinator.EventPermitJoin, Data: coordinator.PermitJoinEvent{Permitted: true}})
	}
	if !e.Admit(routerJoin()) {
		t.Error("admission affected by ignored events")
	}
}
