package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/tandem"
	"github.com/loykin/tandem/internal/auth"
	"github.com/loykin/tandem/pkg/client"
)

const defaultConfig = "tandem.toml"

type command struct {
	g      *GlobalFlags
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func (c *command) configPath() string {
	if c.g.ConfigPath != "" {
		return c.g.ConfigPath
	}
	if p := os.Getenv("TANDEM_CONFIG"); p != "" {
		return p
	}
	return defaultConfig
}

// withApp opens the local orchestrator, runs fn, then exports metrics and
// closes everything regardless of fn's outcome.
func (c *command) withApp(fn func(app *tandem.App) error) error {
	app, err := tandem.Open(c.configPath(), tandem.Options{Console: c.errOut, LogLevel: c.g.LogLevel})
	if err != nil {
		return err
	}
	err = fn(app)
	if merr := app.WriteMetrics(); merr != nil {
		app.Logger.Warn("write metrics textfile", "error", merr)
	}
	if cerr := app.Close(); cerr != nil {
		app.Logger.Warn("close", "error", cerr)
	}
	return err
}

// remote returns a daemon client when --api-url is set.
func (c *command) remote() (*client.Client, bool, error) {
	if c.g.APIURL == "" {
		return nil, false, nil
	}
	cfg := client.Config{
		BaseURL:  strings.TrimRight(c.g.APIURL, "/"),
		Timeout:  c.g.APITimeout,
		Token:    c.g.Token,
		Username: c.g.Username,
		Password: c.g.Password,
	}
	if c.g.CACert != "" || c.g.Insecure {
		cfg.TLS = &client.TLSClientConfig{CACert: c.g.CACert, SkipVerify: c.g.Insecure}
	}
	cl, err := client.New(cfg)
	if err != nil {
		return nil, true, usageError{err}
	}
	return cl, true, nil
}

// remoteNames lists services in dependency order as reported by the daemon.
func remoteNames(ctx context.Context, cl *client.Client, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	sts, err := cl.Status(ctx, "")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sts))
	for _, st := range sts {
		names = append(names, st.Name)
	}
	return names, nil
}

func (c *command) printStatus(ctx context.Context, app *tandem.App) error {
	return renderOnce(ctx, app, c.out, "table", "")
}

func (c *command) printRemoteStatus(ctx context.Context, cl *client.Client) error {
	sts, err := cl.Status(ctx, "")
	if err != nil {
		return err
	}
	return renderStatus(c.out, "table", sts, nil)
}

// Start starts the named services, or all of them in dependency order.
func (c *command) Start(ctx context.Context, names []string) error {
	if cl, ok, err := c.remote(); ok || err != nil {
		if err != nil {
			return err
		}
		names, err := remoteNames(ctx, cl, names)
		if err != nil {
			return err
		}
		for _, n := range names {
			if _, err := cl.Start(ctx, n); err != nil {
				return err
			}
		}
		return c.printRemoteStatus(ctx, cl)
	}
	return c.withApp(func(app *tandem.App) error {
		if len(names) == 0 {
			if err := app.StartAll(ctx); err != nil {
				return err
			}
		}
		for _, n := range names {
			if _, err := app.Start(ctx, n); err != nil {
				return err
			}
		}
		return c.printStatus(ctx, app)
	})
}

// Stop stops the named services, or all of them dependents first.
func (c *command) Stop(ctx context.Context, names []string) error {
	if cl, ok, err := c.remote(); ok || err != nil {
		if err != nil {
			return err
		}
		all, err := remoteNames(ctx, cl, names)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			slices.Reverse(all)
		}
		for _, n := range all {
			if err := cl.Stop(ctx, n); err != nil {
				return err
			}
		}
		return c.printRemoteStatus(ctx, cl)
	}
	return c.withApp(func(app *tandem.App) error {
		if len(names) == 0 {
			if err := app.StopAll(ctx); err != nil {
				return err
			}
		}
		for _, n := range names {
			if err := app.Stop(ctx, n); err != nil {
				return err
			}
		}
		return c.printStatus(ctx, app)
	})
}

// Restart stops then starts the named services, or all of them.
func (c *command) Restart(ctx context.Context, names []string) error {
	if cl, ok, err := c.remote(); ok || err != nil {
		if err != nil {
			return err
		}
		if len(names) == 0 {
			if err := c.Stop(ctx, nil); err != nil {
				return err
			}
			return c.Start(ctx, nil)
		}
		for _, n := range names {
			if _, err := cl.Restart(ctx, n); err != nil {
				return err
			}
		}
		return c.printRemoteStatus(ctx, cl)
	}
	return c.withApp(func(app *tandem.App) error {
		if len(names) == 0 {
			if err := app.StopAll(ctx); err != nil {
				return err
			}
			if err := app.StartAll(ctx); err != nil {
				return err
			}
		}
		for _, n := range names {
			if _, err := app.Restart(ctx, n); err != nil {
				return err
			}
		}
		return c.printStatus(ctx, app)
	})
}

// Kill force-kills one service, including a scanned match when no record exists.
func (c *command) Kill(ctx context.Context, name string) error {
	if c.g.APIURL != "" {
		return usageError{errors.New("kill is only available locally")}
	}
	return c.withApp(func(app *tandem.App) error {
		if err := app.Kill(ctx, name); err != nil {
			return err
		}
		return c.printStatus(ctx, app)
	})
}

// Status prints the observed state of one or all services.
func (c *command) Status(ctx context.Context, f StatusFlags, name string) error {
	if err := validOutput(f.Output); err != nil {
		return err
	}
	if cl, ok, err := c.remote(); ok || err != nil {
		if err != nil {
			return err
		}
		if f.Watch {
			return usageError{errors.New("--watch is only available locally")}
		}
		sts, err := cl.Status(ctx, name)
		if err != nil {
			return err
		}
		return renderStatus(c.out, f.Output, sts, nil)
	}
	return c.withApp(func(app *tandem.App) error {
		if f.Watch {
			return watchStatus(ctx, app, c.out, f, name)
		}
		return renderOnce(ctx, app, c.out, f.Output, name)
	})
}

// Update runs one transactional update and prints its phase transitions.
func (c *command) Update(ctx context.Context, f UpdateFlags) error {
	if err := validOutput(f.Output); err != nil {
		return err
	}
	if cl, ok, err := c.remote(); ok || err != nil {
		if err != nil {
			return err
		}
		res, err := cl.Update(ctx)
		if res.Result.ID != "" {
			if rerr := renderAny(c.out, f.Output, res); rerr != nil {
				return rerr
			}
		}
		return err
	}
	return c.withApp(func(app *tandem.App) error {
		res, err := app.Update(ctx)
		if res.ID != "" {
			if rerr := renderUpdate(c.out, f.Output, res); rerr != nil {
				return rerr
			}
		}
		return err
	})
}

// History prints recent events from the queryable history sink.
func (c *command) History(ctx context.Context, f HistoryFlags, name string) error {
	if err := validOutput(f.Output); err != nil {
		return err
	}
	return c.withApp(func(app *tandem.App) error {
		evs, err := app.History(ctx, name, f.Limit)
		if err != nil {
			return err
		}
		return renderHistory(c.out, f.Output, evs)
	})
}

// Serve runs the control API until interrupted.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	return c.withApp(func(app *tandem.App) error {
		if f.StartAll {
			if err := app.StartAll(ctx); err != nil {
				return err
			}
		}
		err := app.Serve(ctx)
		if f.StopAll {
			if serr := app.StopAll(context.WithoutCancel(ctx)); serr != nil {
				err = errors.Join(err, serr)
			}
		}
		return err
	})
}

// HashPassword reads a password from the first line of input and prints its
// bcrypt hash for server.auth.users.
func (c *command) HashPassword() error {
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	h, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return usageError{err}
	}
	_, err = fmt.Fprintln(c.out, h)
	return err
}

// Login exchanges --username/--password for a bearer token.
func (c *command) Login(ctx context.Context) error {
	cl, ok, err := c.remote()
	if err != nil {
		return err
	}
	if !ok {
		return usageError{errors.New("login requires --api-url")}
	}
	tok, err := cl.Login(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, tok)
	return err
}

// --- cobra wiring ---

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start [service...]",
		Short: "Start services (dependencies first); no-op for running ones",
		Args:  serviceArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Start(cmd.Context(), args) },
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [service...]",
		Short: "Stop services (dependents first); no-op for stopped ones",
		Args:  serviceArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Stop(cmd.Context(), args) },
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart [service...]",
		Short: "Stop then start services",
		Args:  serviceArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Restart(cmd.Context(), args) },
	}
}

func createKillCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <service>",
		Short: "SIGKILL a service's process group without a graceful stop",
		Args:  exactlyOne,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Kill(cmd.Context(), args[0]) },
	}
}

func createStatusCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [service]",
		Short: "Show running, stopped or unknown for each service",
		Args:  atMostOne,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(cmd.Context(), *f, name)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().BoolVarP(&f.Watch, "watch", "w", false, "keep watching and re-render on changes")
	cmd.Flags().DurationVar(&f.Interval, "interval", defaultWatchInterval, "liveness re-check period while watching")
	return cmd
}

func createUpdateCommand(c *command, f *UpdateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Snapshot, replace code, reinstall, restart and verify; roll back on failure",
		Long: `Runs one transactional update. Exit status:
  0  committed
  1  failed and rolled back (or aborted before services were touched)
  2  configuration error
  3  rollback failed; the deployment is degraded and needs an operator`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error { return c.Update(cmd.Context(), *f) },
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func createHistoryCommand(c *command, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [service]",
		Short: "Show recent lifecycle and update events",
		Args:  atMostOne,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.History(cmd.Context(), *f, name)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func createServeCommand(c *command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Args:  noArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.Serve(cmd.Context(), *f) },
	}
	cmd.Flags().BoolVar(&f.StartAll, "start-all", false, "start all services before serving")
	cmd.Flags().BoolVar(&f.StopAll, "stop-all", false, "stop all services when shutting down")
	return cmd
}

func createAuthCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Control API credentials",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "hash-password",
			Short: "Read a password from stdin and print its bcrypt hash",
			Args:  noArgs,
			RunE:  func(*cobra.Command, []string) error { return c.HashPassword() },
		},
		&cobra.Command{
			Use:   "login",
			Short: "Print a bearer token for --username/--password",
			Args:  noArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return c.Login(cmd.Context()) },
		},
	)
	return cmd
}

func createVersionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			v := version
			if commit != "" {
				v += " (" + commit + ")"
			}
			_, err := fmt.Fprintln(c.out, "tandem", v)
			return err
		},
	}
}
