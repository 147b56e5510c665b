package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/simulator"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestSetFanSpeed(t *testing.T) {
	out, err := runCLI(t, "--simulate", "-a", "AA:BB:CC:DD:EE:FF", "set-fan-speed", "HIGH", "low")
	if err != nil {
		t.Fatalf("set-fan-speed: %v", err)
	}
	if want := `{"cooling_fan_speed":"HIGH","heating_fan_speed":"LOW"}`; out != want {
		t.Errorf("output = %s, want %s", out, want)
	}
}

func TestSetSetPointClamped(t *testing.T) {
	out, err := runCLI(t, "--simulate", "-a", "AA:BB:CC:DD:EE:FF", "set-set-point", "40", "--", "-5")
	if err != nil {
		t.Fatalf("set-set-point: %v", err)
	}
	if want := `{"cooling_set_point":30,"heating_set_point":0}`; out != want {
		t.Errorf("output = %s, want %s", out, want)
	}
}

func TestGetStatus(t *testing.T) {
	out, err := runCLI(t, "--simulate", "-a", "AA:BB:CC:DD:EE:FF", "get-status")
	if err != nil {
		t.Fatalf("get-status: %v", err)
	}
	for _, key := range []string{`"power_state"`, `"operation_mode":{"operation_mode":"AUTO"}`, `"set_point"`, `"fan_speed"`, `"temperatures"`, `"clean_filter_indicator"`} {
		if !strings.Contains(out, key) {
			t.Errorf("status %s lacks %s", out, key)
		}
	}
}

func TestGetInfo(t *testing.T) {
	out, err := runCLI(t, "--simulate", "-a", "AA:BB:CC:DD:EE:FF", "get-info")
	if err != nil {
		t.Fatalf("get-info: %v", err)
	}
	if !strings.Contains(out, "SIM0001") {
		t.Errorf("info = %s", out)
	}
}

func TestCLIRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing address", []string{"--simulate", "get-power-state"}},
		{"bad mode", []string{"--simulate", "-a", "X", "set-operation-mode", "TURBO"}},
		{"bad power", []string{"--simulate", "-a", "X", "set-power-state", "maybe"}},
		{"bad set point", []string{"--simulate", "-a", "X", "set-set-point", "warm", "20"}},
		{"wrong arg count", []string{"--simulate", "-a", "X", "set-fan-speed", "HIGH"}},
		{"bad checksum", []string{"--simulate", "-a", "X", "--checksum", "md5", "get-power-state"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, tt.args...)
			if err == nil {
				t.Errorf("succeeded with output %s", out)
			}
		})
	}
}

func TestTraceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "madoka.trace")

	if _, err := runCLI(t, "--simulate", "-a", "AA:BB:CC:DD:EE:FF", "--trace", path, "get-power-state"); err != nil {
		t.Fatalf("get-power-state: %v", err)
	}

	out, err := runCLI(t, "trace-dump", "--layer", "exchange", path)
	if err != nil {
		t.Fatalf("trace-dump: %v", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "EXCHANGE") || !strings.Contains(lines[0], "cmd=32") {
		t.Errorf("trace-dump = %q, want one exchange of cmd 32", out)
	}

	out, err = runCLI(t, "trace-dump", path)
	if err != nil {
		t.Fatalf("trace-dump: %v", err)
	}
	if !strings.Contains(out, "FRAGMENT") {
		t.Errorf("trace-dump without filter has no fragments: %q", out)
	}

	if _, err := runCLI(t, "trace-dump", "--layer", "bogus", path); err == nil {
		t.Error("trace-dump accepted an unknown layer")
	}
}

func TestDiscoveryTimeoutFlag(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5", 5 * time.Second},
		{"2.5", 2500 * time.Millisecond},
		{"1500ms", 1500 * time.Millisecond},
		{"1m", time.Minute},
	}
	for _, tt := range tests {
		var s seconds
		if err := s.Set(tt.in); err != nil || time.Duration(s) != tt.want {
			t.Errorf("Set(%q) = %v, %v; want %v", tt.in, time.Duration(s), err, tt.want)
		}
	}
	for _, bad := range []string{"soon", "-1", "-2s"} {
		var s seconds
		if err := s.Set(bad); err == nil {
			t.Errorf("Set(%q) succeeded", bad)
		}
	}

	if _, err := runCLI(t, "--simulate", "-a", "AA:BB:CC:DD:EE:FF", "-t", "2", "get-power-state"); err != nil {
		t.Errorf("-t 2: %v", err)
	}
}

func TestParseSetPoint(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"21", 21},
		{"0", 0},
		{"30", 30},
		{"31", 30},
		{"-1", 0},
	}
	for _, tt := range tests {
		got, err := parseSetPoint(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseSetPoint(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
	if _, err := parseSetPoint("21.5"); err == nil {
		t.Error("parseSetPoint(21.5) succeeded")
	}
}

func TestParseOnOff(t *testing.T) {
	for in, want := range map[string]bool{"ON": true, "on": true, "OFF": false, "Off": false} {
		got, err := parseOnOff(in)
		if err != nil || got != want {
			t.Errorf("parseOnOff(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseOnOff("1"); err == nil {
		t.Error("parseOnOff(1) succeeded")
	}
}

type scriptedLines struct {
	lines []string
}

func (s *scriptedLines) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestRunShell(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	unit := simulator.New(nil, logger)
	ctrl := controller.New(unit, ble.NoopEvictor{}, controller.Config{
		Address:         "AA:BB:CC:DD:EE:FF",
		ExchangeTimeout: time.Second,
		ConfirmInterval: 5 * time.Millisecond,
	}, logger)
	defer ctrl.Stop()

	lines := &scriptedLines{lines: []string{
		"",
		"set-power-state on",
		"GET-POWER-STATE",
		"set-fan-speed HIGH",
		"set-set-point 45 20",
		"bogus",
		"exit",
		"get-power-state",
	}}
	var out bytes.Buffer
	if err := runShell(context.Background(), ctrl, lines, &out); err != nil {
		t.Fatalf("runShell: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Commands:",
		`{"turn_on":true}`,
		"usage: set-fan-speed <cooling> <heating>",
		`{"cooling_set_point":30,"heating_set_point":20}`,
		"Unknown command: bogus",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("shell output lacks %q:\n%s", want, got)
		}
	}
	if len(lines.lines) != 1 {
		t.Errorf("shell read past exit, %d lines left", len(lines.lines))
	}
	if !unit.State().PowerOn {
		t.Error("unit not powered on")
	}
}

func TestRunShellReportsErrorKind(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	unit := simulator.New(nil, logger)
	unit.SetRefuse(errors.New("refused"))
	ctrl := controller.New(unit, ble.NoopEvictor{}, controller.Config{
		Address: "AA:BB:CC:DD:EE:FF",
		Retry:   controller.RetryConfig{MaxAttempts: 1},
	}, logger)
	defer ctrl.Stop()

	var out bytes.Buffer
	if err := runShell(context.Background(), ctrl, &scriptedLines{lines: []string{"get-power-state"}}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "error (unreachable)") {
		t.Errorf("output = %s", out.String())
	}
}
