package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/feature"
)

// unitCommand is one operation on the unit, shared by the CLI and the shell.
type unitCommand struct {
	name  string
	usage string
	short string
	nargs int
	run   func(ctx context.Context, c *controller.Controller, args []string) (any, error)
}

var unitCommands = []unitCommand{
	{
		name:  "get-fan-speed",
		short: "Get cooling and heating fan speeds",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.FanSpeed().Query(ctx))
		},
	},
	{
		name:  "set-fan-speed",
		usage: "<cooling> <heating>",
		short: "Set cooling and heating fan speeds (LOW, MID, HIGH, AUTO)",
		nargs: 2,
		run: func(ctx context.Context, c *controller.Controller, args []string) (any, error) {
			cooling, err := feature.ParseSpeed(args[0])
			if err != nil {
				return nil, err
			}
			heating, err := feature.ParseSpeed(args[1])
			if err != nil {
				return nil, err
			}
			return result(c.FanSpeed().Update(ctx, feature.FanSpeed{Cooling: cooling, Heating: heating}))
		},
	},
	{
		name:  "get-operation-mode",
		short: "Get the operation mode",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.OperationMode().Query(ctx))
		},
	},
	{
		name:  "set-operation-mode",
		usage: "<mode>",
		short: "Set the operation mode (FAN, DRY, AUTO, COOL, HEAT, VENTILATION)",
		nargs: 1,
		run: func(ctx context.Context, c *controller.Controller, args []string) (any, error) {
			mode, err := feature.ParseMode(args[0])
			if err != nil {
				return nil, err
			}
			return result(c.OperationMode().Update(ctx, feature.OperationMode{Mode: mode}))
		},
	},
	{
		name:  "get-power-state",
		short: "Check if the unit is turned on",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.PowerState().Query(ctx))
		},
	},
	{
		name:  "set-power-state",
		usage: "<on|off>",
		short: "Turn the unit ON or OFF",
		nargs: 1,
		run: func(ctx context.Context, c *controller.Controller, args []string) (any, error) {
			on, err := parseOnOff(args[0])
			if err != nil {
				return nil, err
			}
			return result(c.PowerState().Update(ctx, feature.PowerState{TurnOn: on}))
		},
	},
	{
		name:  "get-set-point",
		short: "Get target temperatures in Celsius degrees",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.SetPoint().Query(ctx))
		},
	},
	{
		name:  "set-set-point",
		usage: "<cooling> <heating>",
		short: "Set cooling and heating target temperatures, clamped to 0..30",
		nargs: 2,
		run: func(ctx context.Context, c *controller.Controller, args []string) (any, error) {
			cooling, err := parseSetPoint(args[0])
			if err != nil {
				return nil, err
			}
			heating, err := parseSetPoint(args[1])
			if err != nil {
				return nil, err
			}
			return result(c.SetPoint().Update(ctx, feature.SetPoint{Cooling: cooling, Heating: heating}))
		},
	},
	{
		name:  "get-temperatures",
		short: "Get temperatures as read by the thermostat",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.Temperatures().Query(ctx))
		},
	},
	{
		name:  "get-clean-filter-indicator",
		short: "Get the clean filter indicator",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.CleanFilter().Query(ctx))
		},
	},
	{
		name:  "reset-clean-filter-timer",
		short: "Reset the clean filter timer",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.ResetCleanFilter().Update(ctx, feature.ResetCleanFilterTimer{}))
		},
	},
	{
		name:  "get-status",
		short: "Get the status of every feature",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			st, err := c.Refresh(ctx)
			if st.Empty() && err != nil {
				return nil, err
			}
			// partial results are still printed; the failures go to the log
			return st.Map(), nil
		},
	},
	{
		name:  "get-info",
		short: "Get the device information of the unit",
		run: func(ctx context.Context, c *controller.Controller, _ []string) (any, error) {
			return result(c.ReadInfo(ctx))
		},
	},
}

func lookupCommand(name string) (unitCommand, bool) {
	for _, uc := range unitCommands {
		if uc.name == name {
			return uc, true
		}
	}
	return unitCommand{}, false
}

func (a *app) newUnitCmd(uc unitCommand) *cobra.Command {
	return &cobra.Command{
		Use:   strings.TrimSpace(uc.name + " " + uc.usage),
		Short: uc.short,
		Args:  cobra.ExactArgs(uc.nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctrl, err := a.open()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, err := uc.run(ctx, ctrl, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func result[T any](v T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return false, fmt.Errorf("power state must be ON or OFF, got %q", s)
}

// parseSetPoint clamps to the unit's range instead of rejecting.
func parseSetPoint(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("set point %q is not an integer", s)
	}
	return min(max(n, feature.MinSetPoint), feature.MaxSetPoint), nil
}
