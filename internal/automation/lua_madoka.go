//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"madoka-go-home/internal/feature"

	lua "github.com/yuin/gopher-lua"
)

// registerMadokaModule installs the `madoka` global table.
//
//	madoka.on(event, [filter], fn)       event is a type name or "*"; filter {feature = "..."}
//	madoka.status()                      last known status table
//	madoka.set_power(on)                 -> ok, err
//	madoka.set_mode(name)                -> ok, err
//	madoka.set_fan_speed(cool, [heat])   -> ok, err
//	madoka.set_set_point(cool, [heat])   -> ok, err
//	madoka.reset_filter()                -> ok, err
//	madoka.after(seconds, fn)
//	madoka.log(msg)
func registerMadokaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":            func(L *lua.LState) int { return madokaOn(L, vm) },
		"status":        func(L *lua.LState) int { return madokaStatus(L, e) },
		"set_power":     func(L *lua.LState) int { return madokaSetPower(L, vm, e) },
		"set_mode":      func(L *lua.LState) int { return madokaSetMode(L, vm, e) },
		"set_fan_speed": func(L *lua.LState) int { return madokaSetFanSpeed(L, vm, e) },
		"set_set_point": func(L *lua.LState) int { return madokaSetSetPoint(L, vm, e) },
		"reset_filter":  func(L *lua.LState) int { return madokaResetFilter(L, vm, e) },
		"after":         func(L *lua.LState) int { return madokaAfter(L, vm, e) },
		"log":           func(L *lua.LState) int { return madokaLog(L, vm, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("madoka", mod)
}

func madokaOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		if f, ok := arg.RawGetString("feature").(lua.LString); ok {
			h.feature = string(f)
		}
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "function or filter table expected")
		return 0
	}
	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func madokaStatus(L *lua.LState, e *Engine) int {
	st := e.unit.Status()
	t, _ := goToLua(L, plain(st.Map())).(*lua.LTable)
	if t == nil {
		t = L.NewTable()
	}
	t.RawSetString("address", lua.LString(e.unit.Address()))
	L.Push(t)
	return 1
}

func madokaSetPower(L *lua.LState, vm *scriptVM, e *Engine) int {
	return e.update(L, vm, feature.NamePowerState, feature.PowerState{TurnOn: L.CheckBool(1)})
}

func madokaSetMode(L *lua.LState, vm *scriptVM, e *Engine) int {
	m, err := feature.ParseMode(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	return e.update(L, vm, feature.NameOperationMode, feature.OperationMode{Mode: m})
}

func madokaSetFanSpeed(L *lua.LState, vm *scriptVM, e *Engine) int {
	cool, err := feature.ParseSpeed(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	heat := cool
	if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
		if heat, err = feature.ParseSpeed(L.CheckString(2)); err != nil {
			L.ArgError(2, err.Error())
			return 0
		}
	}
	return e.update(L, vm, feature.NameFanSpeed, feature.FanSpeed{Cooling: cool, Heating: heat})
}

func madokaSetSetPoint(L *lua.LState, vm *scriptVM, e *Engine) int {
	cool := int(math.Round(float64(L.CheckNumber(1))))
	heat := cool
	if n, ok := L.Get(2).(lua.LNumber); ok {
		heat = int(math.Round(float64(n)))
	}
	return e.update(L, vm, feature.NameSetPoint, feature.SetPoint{Cooling: cool, Heating: heat})
}

func madokaResetFilter(L *lua.LState, vm *scriptVM, e *Engine) int {
	return e.update(L, vm, feature.NameResetCleanFilterTimer, feature.ResetCleanFilterTimer{})
}

// madoka.after(seconds, fn) runs fn on the script's goroutine once the delay
// elapses, unless the script was stopped first.
func madokaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	secs := float64(L.CheckNumber(1))
	fn := L.CheckFunction(2)
	if secs < 0 {
		L.ArgError(1, "delay must not be negative")
		return 0
	}
	time.AfterFunc(time.Duration(secs*float64(time.Second)), func() {
		if vm.ctx.Err() != nil {
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("lua after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		}
	})
	return 0
}

func madokaLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	msg := strings.Join(parts, " ")
	if vm.capture != nil {
		vm.capture(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// update writes one feature value and pushes Lua's (ok, err) pair. Failures
// from the unit are returned to the script, not raised.
func (e *Engine) update(L *lua.LState, vm *scriptVM, name string, value any) int {
	f, ok := e.unit.Feature(name)
	if !ok || !f.Updatable() {
		L.Push(lua.LFalse)
		L.Push(lua.LString(fmt.Sprintf("feature %s not writable", name)))
		return 2
	}
	data, err := json.Marshal(value)
	if err != nil {
		L.RaiseError("encode %s: %v", name, err)
		return 0
	}

	ctx, cancel := context.WithTimeout(vm.ctx, e.actionTimeout)
	defer cancel()
	if _, err := f.UpdateJSON(ctx, data); err != nil {
		e.logger.Warn("script update failed", "feature", name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
