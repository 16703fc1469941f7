//go:build !no_policy

// Package policy runs the operator's admission script: a sandboxed Lua
// chunk whose on_join function gets the final say on devices entering
// the network, and whose optional on_event function observes the
// coordinator event stream.
//
// A script that errors, times out or answers nonsense admits the
// device. The permit window was opened on purpose; a broken script must
// not brick commissioning.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"zigpan/internal/coordinator"
	"zigpan/internal/nwk"

	lua "github.com/yuin/gopher-lua"
)

// admitTimeout bounds the stall a slow script can cause. Admit runs on
// the stack loop goroutine, so the budget is short.
const admitTimeout = 2 * time.Second

// Engine hosts the script VM. All Lua access is serialized through the
// command channel; the VM goroutine is the only one touching the state.
type Engine struct {
	path   string
	logger *slog.Logger

	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	hasJoin  bool
	hasEvent bool
}

// NewEngine creates an engine for the script at path.
func NewEngine(path string, logger *slog.Logger) *Engine {
	return &Engine{
		path:     path,
		logger:   logger.With("component", "policy"),
		commands: make(chan func(*lua.LState), 64),
	}
}

// Start loads and executes the script, leaving its handler functions
// registered in the VM.
func (e *Engine) Start() error {
	code, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("read policy script: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script", "msg", L.CheckString(1))
		return 0
	}))

	// Execute the script to register its handlers.
	if err := L.DoString(string(code)); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute policy script: %w", err)
	}

	e.hasJoin = L.GetGlobal("on_join").Type() == lua.LTFunction
	e.hasEvent = L.GetGlobal("on_event").Type() == lua.LTFunction
	e.state = L
	e.ctx = ctx
	e.cancel = cancel

	// Command loop goroutine, exits when the context is cancelled.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-e.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("policy script loaded",
		"path", e.path, "on_join", e.hasJoin, "on_event", e.hasEvent)
	return nil
}

// Stop shuts the VM down. In-flight admissions resolve to accept.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.logger.Info("policy engine stopped")
}

// Admit asks the script whether a device may join. Only an explicit
// "deny" or false refuses; every failure mode admits.
func (e *Engine) Admit(req nwk.JoinRequest) bool {
	if !e.hasJoin {
		return true
	}

	deadline := time.NewTimer(admitTimeout)
	defer deadline.Stop()

	verdict := make(chan bool, 1)
	select {
	case e.commands <- func(L *lua.LState) { verdict <- e.callJoin(L, req) }:
	case <-e.ctx.Done():
		return true
	case <-deadline.C:
		e.logger.Warn("admission script busy, admitting", "ieee", req.IEEE.String())
		return true
	}

	select {
	case v := <-verdict:
		return v
	case <-e.ctx.Done():
		return true
	case <-deadline.C:
		e.logger.Warn("admission script timed out, admitting", "ieee", req.IEEE.String())
		return true
	}
}

// HandleEvent forwards a coordinator event to the script. It never
// blocks; events beyond the channel capacity are dropped.
func (e *Engine) HandleEvent(ev coordinator.Event) {
	if !e.hasEvent {
		return
	}
	select {
	case <-e.ctx.Done():
	case e.commands <- func(L *lua.LState) { e.callEvent(L, ev) }:
	default:
		e.logger.Warn("policy command channel full, dropping event", "type", ev.Type)
	}
}

// callJoin runs on_join inside the VM goroutine. The call carries its
// own deadline so a runaway chunk aborts instead of wedging the VM.
func (e *Engine) callJoin(L *lua.LState, req nwk.JoinRequest) (admit bool) {
	admit = true
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("on_join panic, admitting", "err", r)
		}
	}()

	tbl := L.NewTable()
	tbl.RawSetString("ieee", lua.LString(req.IEEE.String()))
	tbl.RawSetString("rejoin", lua.LBool(req.Rejoin))
	tbl.RawSetString("router", lua.LBool(req.Capabilities.FullFunction))
	tbl.RawSetString("rx_on_when_idle", lua.LBool(req.Capabilities.RxOnWhenIdle))
	tbl.RawSetString("ac_power", lua.LBool(req.Capabilities.ACPower))
	tbl.RawSetString("security_capable", lua.LBool(req.Capabilities.SecurityCapable))

	ctx, cancel := context.WithTimeout(context.Background(), admitTimeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal("on_join"),
		NRet:    1,
		Protect: true,
	}, tbl); err != nil {
		e.logger.Warn("on_join error, admitting", "ieee", req.IEEE.String(), "err", err)
		return true
	}

	ret := L.Get(-1)
	L.Pop(1)
	switch v := ret.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		switch strings.ToLower(string(v)) {
		case "deny":
			return false
		case "accept":
			return true
		}
		e.logger.Warn("on_join returned unknown verdict, admitting", "verdict", string(v))
		return true
	default:
		return true
	}
}

func (e *Engine) callEvent(L *lua.LState, ev coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("on_event panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal("on_event"),
		NRet:    0,
		Protect: true,
	}, eventToLua(L, ev)); err != nil {
		e.logger.Error("on_event error", "err", err)
	}
}

// eventToLua flattens an event into a table: the type plus the payload
// fields. Command payloads arrive as raw byte strings.
func eventToLua(L *lua.LState, ev coordinator.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(ev.Type))
	switch data := ev.Data.(type) {
	case coordinator.DeviceEvent:
		t.RawSetString("ieee", lua.LString(data.IEEE))
		t.RawSetString("short", lua.LNumber(data.Short))
	case coordinator.CommandEvent:
		t.RawSetString("ieee", lua.LString(data.IEEE))
		t.RawSetString("short", lua.LNumber(data.Short))
		t.RawSetString("endpoint", lua.LNumber(data.Endpoint))
		t.RawSetString("profile", lua.LNumber(data.Profile))
		t.RawSetString("cluster", lua.LNumber(data.Cluster))
		t.RawSetString("payload", lua.LString(string(data.Payload)))
	case coordinator.NetworkEvent:
		t.RawSetString("channel", lua.LNumber(data.Channel))
		t.RawSetString("pan_id", lua.LNumber(data.PanID))
		t.RawSetString("ext_pan_id", lua.LString(data.ExtPanID))
		t.RawSetString("coordinator", lua.LString(data.Coordinator))
	case coordinator.PermitJoinEvent:
		t.RawSetString("permitted", lua.LBool(data.Permitted))
	case coordinator.KeyRotatedEvent:
		t.RawSetString("key_seq", lua.LNumber(data.KeySeq))
	}
	return t
}
