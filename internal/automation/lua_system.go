//go:build !no_automation

package automation

import (
	"context"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // allowed command paths
	ExecTimeout   time.Duration // timeout for exec commands
}

// registerSystemModule installs the `system` global table.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.now)
	}))

	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e.now)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, vm, e)
	}))

	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, e)
	}))

	L.SetGlobal("system", mod)
}

// system.datetime([component]) returns one component of the local time, or a
// table of all of them when called without an argument.
func systemDatetime(L *lua.LState, clock func() time.Time) int {
	now := clock()
	if L.GetTop() == 0 {
		t := L.NewTable()
		for _, c := range []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"} {
			t.RawSetString(c, lua.LNumber(datetimeNumber(now, c)))
		}
		L.Push(t)
		return 1
	}
	component := L.CheckString(1)

	switch component {
	case "hour", "minute", "second", "weekday", "day", "month", "year", "timestamp":
		L.Push(lua.LNumber(datetimeNumber(now, component)))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

func datetimeNumber(now time.Time, component string) int64 {
	switch component {
	case "hour":
		return int64(now.Hour())
	case "minute":
		return int64(now.Minute())
	case "second":
		return int64(now.Second())
	case "weekday":
		return int64(now.Weekday())
	case "day":
		return int64(now.Day())
	case "month":
		return int64(now.Month())
	case "year":
		return int64(now.Year())
	}
	return now.Unix()
}

// system.time_between(from_hour, to_hour) reports whether the current hour is
// in [from, to). A range with from > to wraps past midnight.
func systemTimeBetween(L *lua.LState, clock func() time.Time) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := clock().Hour()

	var result bool
	if from <= to {
		// Normal range: e.g. 8-22
		result = hour >= from && hour < to
	} else {
		// Midnight-wrapping range: e.g. 22-6
		result = hour >= from || hour < to
	}

	L.Push(lua.LBool(result))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if vm != nil && vm.capture != nil {
		vm.capture("[" + level + "] " + msg)
	}

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted absolute command and returns its
// stdout, or "" when the command is refused or fails.
func systemExec(L *lua.LState, e *Engine) int {
	cmdStr := L.CheckString(1)

	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if !filepath.IsAbs(binary) {
		e.logger.Warn("exec blocked: not an absolute path", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	if !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked: not in allowlist", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, parts[1:]...)
	stdout, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}

	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}

	L.Push(lua.LString(string(stdout)))
	return 1
}
