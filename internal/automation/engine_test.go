//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/feature"
	"madoka-go-home/internal/simulator"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

func newTestUnit(t *testing.T) (*controller.Controller, *simulator.Unit) {
	t.Helper()
	unit := simulator.New(nil, testLogger())
	ctrl := controller.New(unit, ble.NoopEvictor{}, controller.Config{
		Address:         testAddr,
		ExchangeTimeout: time.Second,
		ConfirmInterval: 5 * time.Millisecond,
	}, testLogger())
	t.Cleanup(ctrl.Stop)
	return ctrl, unit
}

func newEngine(t *testing.T) (*Engine, *Manager, *controller.Controller, *simulator.Unit) {
	t.Helper()
	ctrl, unit := newTestUnit(t)
	m := newTestManager(t)
	e := NewEngine(ctrl, m, testLogger(), SystemConfig{})
	t.Cleanup(e.Stop)
	return e, m, ctrl, unit
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMatchesHandler(t *testing.T) {
	fanUpdate := controller.Event{
		Type: controller.EventFeatureUpdate,
		Data: controller.FeatureUpdate{Feature: feature.NameFanSpeed},
	}
	tests := []struct {
		name    string
		handler luaEventHandler
		event   controller.Event
		want    bool
	}{
		{"exact type", luaEventHandler{eventType: controller.EventFeatureUpdate}, fanUpdate, true},
		{"wrong type", luaEventHandler{eventType: controller.EventStatusUpdate}, fanUpdate, false},
		{"wildcard", luaEventHandler{eventType: "*"}, fanUpdate, true},
		{"feature filter match", luaEventHandler{eventType: controller.EventFeatureUpdate, feature: feature.NameFanSpeed}, fanUpdate, true},
		{"feature filter mismatch", luaEventHandler{eventType: controller.EventFeatureUpdate, feature: feature.NamePowerState}, fanUpdate, false},
		{
			"feature filter on other payload",
			luaEventHandler{eventType: "*", feature: feature.NameFanSpeed},
			controller.Event{Type: controller.EventStateChange, Data: "ready"},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.event); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	ev := eventTable(L, controller.Event{
		Type: controller.EventFeatureUpdate,
		Data: controller.FeatureUpdate{
			Feature: feature.NameFanSpeed,
			Value:   feature.FanSpeed{Cooling: feature.SpeedHigh, Heating: feature.SpeedLow},
		},
	})
	L.SetGlobal("ev", ev)
	if err := L.DoString(`_s = ev.type .. " " .. ev.feature .. " " .. ev.value.cooling_fan_speed .. " " .. ev.value.heating_fan_speed`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_s").String(); got != "feature_update fan_speed HIGH LOW" {
		t.Errorf("event = %q", got)
	}

	ev = eventTable(L, controller.Event{Type: controller.EventStateChange, Data: "ready"})
	if got := ev.RawGetString("value"); got != lua.LString("ready") {
		t.Errorf("state change value = %v, want ready", got)
	}
}

func TestRunLuaCodeLogs(t *testing.T) {
	e, _, _, _ := newEngine(t)

	res := e.RunLuaCode(`madoka.log("hello", 1) system.log("info", "there")`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Join(res.Logs, "|") != "hello 1|[info] there" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _, _ := newEngine(t)

	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`, `dofile("/etc/passwd")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s succeeded, want sandbox error", code)
		}
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("runs into the run deadline")
	}
	e, _, _, _ := newEngine(t)

	res := e.RunLuaCode(`while true do end`)
	if res.OK || !strings.HasPrefix(res.Error, "timeout") {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestRunLuaCodeDrivesUnit(t *testing.T) {
	e, _, _, unit := newEngine(t)

	res := e.RunLuaCode(`
local ok, err = madoka.set_mode("cool")
assert(ok, err)
assert(madoka.set_power(true))
assert(madoka.set_fan_speed("high", "low"))
assert(madoka.set_set_point(23.4))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	st := unit.State()
	if st.Mode != byte(feature.ModeCool) || !st.PowerOn {
		t.Errorf("unit mode/power = %d/%v, want COOL/on", st.Mode, st.PowerOn)
	}
	if st.CoolingFan != 5 || st.HeatingFan != 1 {
		t.Errorf("unit fans = %d/%d, want 5/1", st.CoolingFan, st.HeatingFan)
	}
	if st.CoolingSetPoint != 23*128 || st.HeatingSetPoint != 23*128 {
		t.Errorf("unit set points = %d/%d, want 23/23", st.CoolingSetPoint/128, st.HeatingSetPoint/128)
	}
}

func TestRunLuaCodeUpdateErrorReturned(t *testing.T) {
	e, _, _, unit := newEngine(t)

	res := e.RunLuaCode(`local ok, err = madoka.set_set_point(40) madoka.log(tostring(ok), err)`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || !strings.HasPrefix(res.Logs[0], "false ") || !strings.Contains(res.Logs[0], "set point") {
		t.Errorf("logs = %q, want validation failure", res.Logs)
	}
	if n := len(unit.Commands()); n != 0 {
		t.Errorf("unit received %d commands, want 0", n)
	}
}

func TestRunLuaCodeBadArgumentRaises(t *testing.T) {
	e, _, _, _ := newEngine(t)

	if res := e.RunLuaCode(`madoka.set_mode("turbo")`); res.OK {
		t.Error("set_mode(turbo) succeeded, want error")
	}
	if res := e.RunLuaCode(`madoka.set_fan_speed("high", "warp")`); res.OK {
		t.Error("set_fan_speed(high, warp) succeeded, want error")
	}
	if res := e.RunLuaCode(`madoka.after(-1, function() end)`); res.OK {
		t.Error("after(-1) succeeded, want error")
	}
}

func TestRunLuaCodeCallsHandlers(t *testing.T) {
	e, _, _, _ := newEngine(t)

	res := e.RunLuaCode(`
madoka.on("status_update", function(ev) madoka.log(ev.type) end)
madoka.on("feature_update", {feature = "power_state"}, function(ev) madoka.log(ev.feature) end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Join(res.Logs, ",") != "status_update,power_state" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestStatusFunction(t *testing.T) {
	e, _, ctrl, _ := newEngine(t)
	if _, err := ctrl.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	res := e.RunLuaCode(`
local s = madoka.status()
madoka.log(s.address, s.operation_mode.operation_mode, s.set_point.cooling_set_point, s.temperatures.indoor)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != testAddr+" AUTO 22 21" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestEngineRunsEnabledScripts(t *testing.T) {
	e, m, ctrl, unit := newEngine(t)

	enabled, err := m.Save(&Script{
		Meta: ScriptMeta{Name: "Fan follows power", Enabled: true},
		LuaCode: `
madoka.on("feature_update", {feature = "power_state"}, function(ev)
    if ev.value.turn_on then
        madoka.set_fan_speed("high", "low")
    end
end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	disabled, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Idle"},
		LuaCode: `madoka.on("*", function(ev) madoka.set_mode("heat") end)`,
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Start()
	if !e.Running(enabled.ID) {
		t.Error("enabled script not running")
	}
	if e.Running(disabled.ID) {
		t.Error("disabled script running")
	}

	if _, err := ctrl.PowerState().Update(context.Background(), feature.PowerState{TurnOn: true}); err != nil {
		t.Fatalf("power on: %v", err)
	}
	waitFor(t, "fan speed set by script", func() bool {
		st := unit.State()
		return st.CoolingFan == 5 && st.HeatingFan == 1
	})
	if unit.State().Mode == byte(feature.ModeHeat) {
		t.Error("disabled script changed the mode")
	}
}

func TestEngineAfter(t *testing.T) {
	e, m, _, unit := newEngine(t)

	if _, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Delayed", Enabled: true},
		LuaCode: `madoka.after(0.02, function() madoka.set_power(true) end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	waitFor(t, "delayed power on", func() bool { return unit.State().PowerOn })
}

func TestEngineStopCancelsAfter(t *testing.T) {
	e, m, _, unit := newEngine(t)

	s, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Delayed", Enabled: true},
		LuaCode: `madoka.after(0.1, function() madoka.set_power(true) end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	e.StopScript(s.ID)

	time.Sleep(200 * time.Millisecond)
	if unit.State().PowerOn {
		t.Error("callback ran after the script was stopped")
	}
}

func TestEngineReloadScript(t *testing.T) {
	e, m, _, _ := newEngine(t)
	e.Start()

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Toggle"}, LuaCode: `madoka.log("loaded")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if e.Running(s.ID) {
		t.Error("disabled script running after reload")
	}

	s.Meta.Enabled = true
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if !e.Running(s.ID) {
		t.Error("enabled script not running after reload")
	}

	e.StopScript(s.ID)
	if e.Running(s.ID) {
		t.Error("script running after stop")
	}

	s.LuaCode = `this is not lua`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err == nil {
		t.Error("reload of broken script succeeded, want error")
	}
	if err := e.ReloadScript("missing"); err == nil {
		t.Error("reload of missing script succeeded, want error")
	}
}
