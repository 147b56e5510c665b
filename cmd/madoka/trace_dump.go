package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"madoka-go-home/internal/trace"
)

func newTraceDumpCmd() *cobra.Command {
	var (
		session    string
		command    uint16
		layer      string
		errorsOnly bool
	)
	cmd := &cobra.Command{
		Use:   "trace-dump <file>",
		Short: "Print a CBOR protocol trace as text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := trace.Filter{SessionID: session, CommandID: command, ErrorsOnly: errorsOnly}
			switch strings.ToLower(layer) {
			case "":
			case "fragment":
				l := trace.LayerFragment
				filter.Layer = &l
			case "exchange":
				l := trace.LayerExchange
				filter.Layer = &l
			default:
				return fmt.Errorf("--layer must be fragment or exchange, got %q", layer)
			}

			r, err := trace.Open(args[0], filter)
			if err != nil {
				return err
			}
			defer r.Close()
			return dumpTrace(r, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "only events of this session id")
	cmd.Flags().Uint16Var(&command, "command", 0, "only events of this command id")
	cmd.Flags().StringVar(&layer, "layer", "", "only fragment or exchange events")
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "only events carrying an error")
	return cmd
}

// dumpTrace prints one line per event. A trace cut short by a crash is
// reported on stderr, not as a failure.
func dumpTrace(r *trace.Reader, out, stderr io.Writer) error {
	n := 0
	for {
		ev, err := r.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			fmt.Fprintf(stderr, "trace truncated after %d events\n", n)
			return nil
		case err != nil:
			return fmt.Errorf("read trace: %w", err)
		}
		fmt.Fprintln(out, ev.String())
		n++
	}
}
