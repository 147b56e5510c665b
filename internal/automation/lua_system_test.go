//go:build !no_automation

package automation

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(hour int) *Engine {
	fixed := time.Date(2026, 3, 14, hour, 30, 15, 0, time.Local)
	return &Engine{
		logger: testLogger(),
		now:    func() time.Time { return fixed },
	}
}

func newSystemState(t *testing.T, e *Engine) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, nil, e)
	return L
}

func TestSystemDatetimeComponents(t *testing.T) {
	L := newSystemState(t, newTestEngine(14))

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(14)},
		{"minute", lua.LNumber(30)},
		{"second", lua.LNumber(15)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(14)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2026)},
		{"time_str", lua.LString("14:30:15")},
		{"date_str", lua.LString("2026-03-14")},
	}
	for _, tt := range tests {
		L.SetGlobal("_comp", lua.LString(tt.component))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", tt.component, err)
		}
		if got := L.GetGlobal("_result"); got != tt.want {
			t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
		}
	}
}

func TestSystemDatetimeTable(t *testing.T) {
	L := newSystemState(t, newTestEngine(7))

	if err := L.DoString(`local t = system.datetime(); _hour = t.hour; _year = t.year`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_hour"); got != lua.LNumber(7) {
		t.Errorf("hour = %v, want 7", got)
	}
	if got := L.GetGlobal("_year"); got != lua.LNumber(2026) {
		t.Errorf("year = %v, want 2026", got)
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := newSystemState(t, newTestEngine(7))
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{14, 8, 22, true},
		{8, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{14, 22, 6, false},
	}
	for _, tt := range tests {
		L := newSystemState(t, newTestEngine(tt.hour))
		L.SetGlobal("_from", lua.LNumber(tt.from))
		L.SetGlobal("_to", lua.LNumber(tt.to))
		if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
			t.Fatal(err)
		}
		if got := L.GetGlobal("_result"); got != lua.LBool(tt.want) {
			t.Errorf("time_between(%d, %d) at hour %d = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
		}
	}
}

func TestSystemExecBlockedWhenAllowlistEmpty(t *testing.T) {
	L := newSystemState(t, newTestEngine(12))

	if err := L.DoString(`_result = system.exec("/bin/ls")`); err != nil {
		t.Fatal(err)
	}
	if s, ok := L.GetGlobal("_result").(lua.LString); !ok || s != "" {
		t.Errorf("exec with empty allowlist returned %v, want empty string", L.GetGlobal("_result"))
	}
}

func TestSystemExecBlockedRelativePath(t *testing.T) {
	e := newTestEngine(12)
	e.systemCfg.ExecAllowlist = []string{"echo"}
	L := newSystemState(t, e)

	if err := L.DoString(`_result = system.exec("echo hi")`); err != nil {
		t.Fatal(err)
	}
	if s, ok := L.GetGlobal("_result").(lua.LString); !ok || s != "" {
		t.Errorf("exec with relative path returned %v, want empty string", L.GetGlobal("_result"))
	}
}

func TestSystemExecAllowed(t *testing.T) {
	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("/bin/echo not available")
	}
	e := newTestEngine(12)
	e.systemCfg.ExecAllowlist = []string{"/bin/echo"}
	e.systemCfg.ExecTimeout = 5 * time.Second
	L := newSystemState(t, e)

	if err := L.DoString(`_result = system.exec("/bin/echo hello")`); err != nil {
		t.Fatal(err)
	}
	s, ok := L.GetGlobal("_result").(lua.LString)
	if !ok {
		t.Fatalf("exec returned type %v, want LTString", L.GetGlobal("_result").Type())
	}
	if string(s) != "hello\n" {
		t.Errorf("exec returned %q, want %q", string(s), "hello\n")
	}
}

func TestSystemLogCaptured(t *testing.T) {
	var lines []string
	vm := &scriptVM{capture: func(line string) { lines = append(lines, line) }}
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, vm, newTestEngine(12))

	if err := L.DoString(`system.log("warn", "filter dirty")`); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "[warn] filter dirty" {
		t.Errorf("captured = %q, want [\"[warn] filter dirty\"]", lines)
	}
}
