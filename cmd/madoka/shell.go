package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"madoka-go-home/internal/controller"
)

// lineReader is the part of readline.Instance the shell loop uses.
type lineReader interface {
	Readline() (string, error)
}

func (a *app) newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run commands interactively over one connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			ctrl, err := a.open()
			if err != nil {
				return err
			}

			items := []readline.PrefixCompleterInterface{
				readline.PcItem("help"),
				readline.PcItem("exit"),
			}
			for _, uc := range unitCommands {
				items = append(items, readline.PcItem(uc.name))
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "madoka> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				AutoComplete:    readline.NewPrefixCompleter(items...),
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			return runShell(cmd.Context(), ctrl, rl, rl.Stdout())
		},
	}
}

// runShell executes one command per line until EOF or exit. Command
// errors are printed and the loop goes on.
func runShell(ctx context.Context, ctrl *controller.Controller, lines lineReader, out io.Writer) error {
	printShellHelp(out)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := lines.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name, args := strings.ToLower(fields[0]), fields[1:]

		switch name {
		case "help", "?":
			printShellHelp(out)
			continue
		case "exit", "quit", "q":
			return nil
		}

		uc, ok := lookupCommand(name)
		if !ok {
			fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", name)
			continue
		}
		if len(args) != uc.nargs {
			fmt.Fprintf(out, "usage: %s\n", strings.TrimSpace(uc.name+" "+uc.usage))
			continue
		}
		v, err := uc.run(ctx, ctrl, args)
		if err != nil {
			fmt.Fprintf(out, "error (%s): %v\n", controller.Classify(err), err)
			continue
		}
		if err := printJSON(out, v); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	for _, uc := range unitCommands {
		fmt.Fprintf(out, "  %-40s %s\n", strings.TrimSpace(uc.name+" "+uc.usage), uc.short)
	}
	fmt.Fprintf(out, "  %-40s %s\n", "help", "Show this help")
	fmt.Fprintf(out, "  %-40s %s\n", "exit", "Leave the shell")
}
