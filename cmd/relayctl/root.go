package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/ftprelay/internal/relay"
	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

type options struct {
	configPath string
	envFile    string
	policy     string
	every      string
	statusAddr string
}

// exitError carries a non-zero exit code out of a command that already
// reported its outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Relay files between a local drop area and an FTPS server",
		Long: `relayctl moves batches of files over FTP/FTPS.

  receive  download from the remote origin folder, then move each remote
           file into the sent folder once its size is verified
  send     upload the local to-send folder, verify remote sizes, then move
           local files into the sent folder

Exit codes: 0 success or nothing to do, 2 a run failed, 1 usage or
configuration error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "TOML config file; defaults and env only when empty")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the config")

	root.AddCommand(
		newDirectionCmd(opts, relay.DirectionReceive, "Download, then relocate remote files into the sent folder"),
		newDirectionCmd(opts, relay.DirectionSend, "Upload pending local files and retire them into the sent folder"),
		newConfigCmd(opts),
	)
	return root
}

// execute runs the CLI and maps its outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		var quiet *exitError
		if !errors.As(err, &quiet) || quiet.err != nil {
			fmt.Fprintf(stderr, "relayctl: %v\n", err)
		}
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

// statusExit is the exit code for a finished run.
func statusExit(status relay.RunStatus) int {
	if status == relay.RunFailure {
		return exitFailure
	}
	return exitOK
}
