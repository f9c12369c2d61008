// Package replay assembles recorded SSE captures offline.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/namikmesic/sidekick-assembler/internal/assembler"
	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

type Options struct {
	// Snapshots writes every intermediate snapshot as a JSON line instead of
	// only the final message.
	Snapshots bool
	Indent    bool
	Logger    zerolog.Logger
}

// Run assembles the SSE stream read from r and writes JSON to out.
func Run(r io.Reader, out io.Writer, opts Options) (*assembler.Message, error) {
	enc := json.NewEncoder(out)
	if opts.Indent {
		enc.SetIndent("", "  ")
	}

	asm := assembler.New(assembler.WithLogger(opts.Logger))
	for snap, err := range asm.Assemble(stream.Events(stream.Frames(r))) {
		if opts.Snapshots {
			if encErr := enc.Encode(snap); encErr != nil {
				return nil, fmt.Errorf("write snapshot: %w", encErr)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", assembler.ErrorKind(err), err)
		}
	}

	msg, ok := asm.Message()
	if !ok {
		return nil, fmt.Errorf("stream ended without a message")
	}
	if !opts.Snapshots {
		if err := enc.Encode(msg); err != nil {
			return nil, fmt.Errorf("write message: %w", err)
		}
	}
	return msg, nil
}

func NewCommand() *cobra.Command {
	var (
		opts     Options
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "sidekick-replay [file]",
		Short: "Assemble a recorded SSE stream into a message",
		Long: "Reads a captured Messages API event stream from a file (or stdin) and prints the " +
			"assembled message as JSON, or every partial snapshot as JSON lines with --snapshots.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q", logLevel)
			}
			opts.Logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: "15:04:05"}).
				Level(level).With().Timestamp().Logger()

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			_, err = Run(in, cmd.OutOrStdout(), opts)
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Snapshots, "snapshots", false, "Print every snapshot as a JSON line")
	cmd.Flags().BoolVar(&opts.Indent, "indent", false, "Indent JSON output")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}
