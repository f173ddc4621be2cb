package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	APIURL     string
	Insecure   bool
}

// StartFlags holds flags for the start command
type StartFlags struct {
	CallerID string
	ParentID string
	Isolated bool
	Secret   string
	Launcher bool
}

// ShutdownFlags holds flags for the shutdown command
type ShutdownFlags struct {
	CallerID string
	ParentID string
	Secret   string
}

// ListFlags holds flags for the list command
type ListFlags struct {
	ParentID   string
	ShowSecret bool
	Refs       bool
}

// SweepFlags holds flags for the sweep command
type SweepFlags struct {
	Terminate bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen        string
	BasePath      string
	SweepInterval time.Duration
}

// buildRoot creates the root command with all subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(c, &StartFlags{}),
		createShutdownCommand(c, &ShutdownFlags{}),
		createListCommand(c, &ListFlags{}),
		createSweepCommand(c, &SweepFlags{}),
		createServeCommand(c, &ServeFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "proxymgr",
		Short: "Share backend proxy processes between callers",
		Long: `proxymgr launches backend proxy processes on demand and shares them between
callers of the same context. A backend is stopped when the last caller that
references it shuts down.

Examples:
  proxymgr start --caller=kA --parent=42
  proxymgr start --launcher --parent=42 --secret=s3cret
  proxymgr shutdown --caller=kA --parent=42 --secret=<auth_secret>
  proxymgr list
  proxymgr serve --config=proxymgr.toml
  proxymgr --api-url=http://127.0.0.1:8088/api/v1 list`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "registry directory (overrides config)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	root.PersistentFlags().StringVar(&flags.APIURL, "api-url", "", "talk to a running 'proxymgr serve' instead of the registry directly")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification for --api-url")
	return root
}

func createStartCommand(c *command, flags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start or reuse a backend and print its record",
		Long: `Start a backend for the caller, or reuse the one already running for the
context. The printed record contains the auth_secret needed for shutdown.

Examples:
  proxymgr start --caller=kA --parent=42
  proxymgr start --caller=kA --parent=42 --isolated
  proxymgr start --launcher --parent=42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.CallerID, "caller", "", "caller id (required unless --launcher)")
	cmd.Flags().StringVar(&flags.ParentID, "parent", "", "context id; defaults to the parent process id")
	cmd.Flags().BoolVar(&flags.Isolated, "isolated", false, "use a backend private to this caller")
	cmd.Flags().StringVar(&flags.Secret, "secret", "", "shutdown secret for a new backend (random when empty)")
	cmd.Flags().BoolVar(&flags.Launcher, "launcher", false, "start on behalf of a browser launcher session")
	return cmd
}

func createShutdownCommand(c *command, flags *ShutdownFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Release a caller's reference to its backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Shutdown(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.CallerID, "caller", "", "caller id (required)")
	cmd.Flags().StringVar(&flags.ParentID, "parent", "", "context id (required)")
	cmd.Flags().StringVar(&flags.Secret, "secret", "", "auth secret returned by start (required)")
	for _, f := range []string{"caller", "parent", "secret"} {
		if err := cmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createListCommand(c *command, flags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.ParentID, "parent", "", "only this context")
	cmd.Flags().BoolVar(&flags.ShowSecret, "show-secret", false, "include auth secrets in the output")
	cmd.Flags().BoolVar(&flags.Refs, "refs", false, "list the callers' reference markers of --parent instead of backends")
	return cmd
}

func createSweepCommand(c *command, flags *SweepFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove registry entries of contexts that no longer exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sweep(cmd, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Terminate, "terminate", false, "also stop the backends of dead contexts (overrides terminate_orphans)")
	return cmd
}

func createServeCommand(c *command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API over the registry",
		Long: `Serve start, shutdown and list over HTTP. The registry stays the source of
truth; CLI invocations and library users keep working alongside the server.

Examples:
  proxymgr serve
  proxymgr serve --listen=127.0.0.1:9000 --sweep-interval=1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().DurationVar(&flags.SweepInterval, "sweep-interval", 0, "periodically remove records of dead contexts (0 disables)")
	return cmd
}
