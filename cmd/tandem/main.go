package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/pkg/client"
)

// Set by -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = ""
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit status: 0 success,
// 1 operational failure, 2 configuration or usage error, 3 failed rollback.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return failure.ExitOK
}

func exitCode(err error) int {
	if code, ok := client.ExitCode(err); ok {
		return code
	}
	var ue usageError
	if errors.As(err, &ue) {
		return failure.ExitConfiguration
	}
	return failure.ExitCode(err)
}

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// buildRoot creates the root command with all subcommands attached.
func buildRoot(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &GlobalFlags{}
	c := &command{g: g, in: stdin, out: stdout, errOut: stderr}

	root := &cobra.Command{
		Use:   "tandem",
		Short: "Supervise and update a backend service and its dependent client",
		Long: `tandem starts, stops and monitors a backend service and a client that
depends on it, and updates both in place with a snapshot and automatic
rollback.

Examples:
  tandem start                       # backend first, then client
  tandem status -o json
  tandem restart client
  tandem update                      # snapshot, replace, restart, verify
  tandem serve                       # control API for remote use
  tandem status --api-url=http://host:8321/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{fmt.Errorf("%w\n\n%s", err, cmd.UsageString())}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.ConfigPath, "config", "", "path to TOML or YAML config (default $TANDEM_CONFIG or ./tandem.toml)")
	pf.StringVar(&g.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	pf.StringVar(&g.APIURL, "api-url", "", "drive a running 'tandem serve' at this URL instead of acting locally")
	pf.DurationVar(&g.APITimeout, "api-timeout", 0, "request timeout for --api-url (default 30m)")
	pf.StringVar(&g.Token, "token", os.Getenv("TANDEM_TOKEN"), "bearer token for --api-url")
	pf.StringVar(&g.Username, "username", "", "basic auth user for --api-url")
	pf.StringVar(&g.Password, "password", os.Getenv("TANDEM_PASSWORD"), "basic auth password for --api-url")
	pf.StringVar(&g.CACert, "ca-cert", "", "CA certificate to verify the daemon")
	pf.BoolVar(&g.Insecure, "insecure", false, "skip TLS verification of the daemon")

	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createKillCommand(c),
		createStatusCommand(c, &StatusFlags{}),
		createUpdateCommand(c, &UpdateFlags{}),
		createHistoryCommand(c, &HistoryFlags{}),
		createServeCommand(c, &ServeFlags{}),
		createAuthCommand(c),
		createVersionCommand(c),
	)
	return root
}

// serviceArgs accepts zero or more service names.
func serviceArgs(_ *cobra.Command, args []string) error {
	for _, a := range args {
		if a == "" {
			return usageError{errors.New("empty service name")}
		}
	}
	return nil
}

// exactlyOne requires one service name.
func exactlyOne(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return usageError{fmt.Errorf("%s requires exactly one service name", cmd.Name())}
	}
	return nil
}

// noArgs rejects positional arguments.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{fmt.Errorf("%s takes no arguments", cmd.Name())}
	}
	return nil
}

// atMostOne accepts an optional service name.
func atMostOne(cmd *cobra.Command, args []string) error {
	if len(args) > 1 {
		return usageError{fmt.Errorf("%s takes at most one service name", cmd.Name())}
	}
	return nil
}
