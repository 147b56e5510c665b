//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"madoka-go-home/internal/controller"

	lua "github.com/yuin/gopher-lua"
)

const (
	runTimeout           = 5 * time.Second
	defaultActionTimeout = 30 * time.Second
	commandQueueSize     = 64
	maxHandlers          = 100
)

// luaEventHandler is a Lua callback registered with madoka.on.
type luaEventHandler struct {
	eventType string // "*" matches every event
	feature   string // only feature_update events for this feature (empty = any)
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one running script. Every access to state
// happens on the goroutine draining commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// capture collects madoka.log and system.log lines during a one-shot run.
	capture func(line string)
}

func (vm *scriptVM) addHandler(h luaEventHandler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlers {
		return fmt.Errorf("too many handlers (max %d)", maxHandlers)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

func (vm *scriptVM) snapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]luaEventHandler, len(vm.handlers))
	copy(out, vm.handlers)
	return out
}

// Engine runs enabled scripts and feeds them the controller's events.
type Engine struct {
	unit    Unit
	manager *Manager
	logger  *slog.Logger

	systemCfg     SystemConfig
	actionTimeout time.Duration
	now           func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine for unit.
func NewEngine(unit Unit, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return &Engine{
		unit:          unit,
		manager:       mgr,
		logger:        logger.With("component", "automation"),
		systemCfg:     sysCfg,
		actionTimeout: defaultActionTimeout,
		now:           time.Now,
		vms:           make(map[string]*scriptVM),
	}
}

// Start subscribes to the controller's events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.unit.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.runningCount())
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the script's VM, if any, and starts it again when the
// script is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether the script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

func (e *Engine) runningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM with a short deadline. The top
// level runs first, then every handler it registered is called once with a
// synthetic event of its type so the actions can be tried out.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := e.newVM(ctx, cancel)
	defer vm.state.Close()
	vm.capture = func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if errors.Is(err, context.DeadlineExceeded) || strings.Contains(r.Error, context.DeadlineExceeded.Error()) {
				r.Error = fmt.Sprintf("timeout (%s)", runTimeout)
			}
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		e.logger.Warn("script run failed", "err", err)
		return result(err)
	}

	for _, h := range vm.snapshot() {
		ev := syntheticEvent(h, e.unit.Status())
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(vm.state, ev)); err != nil {
			e.logger.Warn("script run handler failed", "event", h.eventType, "err", err)
			return result(err)
		}
	}
	return result(nil)
}

// syntheticEvent builds the event a handler receives during a one-shot run.
func syntheticEvent(h luaEventHandler, st controller.Status) controller.Event {
	typ := h.eventType
	if typ == "*" {
		typ = controller.EventStatusUpdate
	}
	ev := controller.Event{Type: typ}
	switch typ {
	case controller.EventStatusUpdate:
		ev.Data = st
	case controller.EventFeatureUpdate:
		name := h.feature
		ev.Data = controller.FeatureUpdate{Feature: name, Value: st.Map()[name]}
	case controller.EventStateChange:
		ev.Data = "ready"
	}
	return ev
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newVM creates a sandboxed Lua state with the madoka and system modules.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerMadokaModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues the event on every VM with a matching handler. It runs
// on the emitting goroutine and never blocks.
func (e *Engine) dispatchEvent(event controller.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshot() {
			if !matchesHandler(h, event) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script queue full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event controller.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	if h.feature == "" {
		return true
	}
	fu, ok := event.Data.(controller.FeatureUpdate)
	return ok && fu.Feature == h.feature
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event controller.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

// eventTable renders an event for Lua. Object payloads are flattened into the
// table next to "type"; anything else is stored under "value".
func eventTable(L *lua.LState, event controller.Event) *lua.LTable {
	t := L.NewTable()
	data := plain(event.Data)
	if m, ok := data.(map[string]any); ok {
		for k, v := range m {
			t.RawSetString(k, goToLua(L, v))
		}
	} else if data != nil {
		t.RawSetString("value", goToLua(L, data))
	}
	t.RawSetString("type", lua.LString(event.Type))
	return t
}

// plain converts a Go value to the generic form encoding/json decodes into,
// so struct tags and text marshalers decide what scripts see.
func plain(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
