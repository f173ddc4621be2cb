package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/proxymgr"
	"github.com/loykin/proxymgr/pkg/client"
	"github.com/spf13/cobra"
)

type command struct {
	global *GlobalFlags
}

// config loads the configuration and applies global flag overrides.
func (c *command) config() (proxymgr.Config, error) {
	cfg, err := proxymgr.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if c.global.DataDir != "" {
		cfg.DataDir = c.global.DataDir
	}
	if c.global.LogLevel != "" {
		cfg.Log.Level = c.global.LogLevel
		cfg.Log.Console = true
	}
	return cfg, nil
}

func (c *command) open(ctx context.Context) (*proxymgr.Manager, proxymgr.Config, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, cfg, err
	}
	m, err := proxymgr.Open(ctx, cfg)
	return m, cfg, err
}

// remote returns an API client when --api-url is set.
func (c *command) remote() (*client.Client, error) {
	if c.global.APIURL == "" {
		return nil, nil
	}
	return client.New(client.Config{BaseURL: c.global.APIURL, Insecure: c.global.Insecure})
}

func (c *command) Start(cmd *cobra.Command, f StartFlags) error {
	if f.ParentID == "" {
		f.ParentID = strconv.Itoa(os.Getppid())
	}
	if !f.Launcher && f.CallerID == "" {
		return fmt.Errorf("--caller is required unless --launcher is set")
	}
	ctx := cmd.Context()
	api, err := c.remote()
	if err != nil {
		return err
	}
	if api != nil {
		caller := f.CallerID
		if f.Launcher {
			caller = proxymgr.LauncherCallerID
		}
		srv, err := api.Start(ctx, client.StartRequest{
			CallerID: caller,
			ParentID: f.ParentID,
			Isolated: f.Isolated,
			Secret:   f.Secret,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, srv)
	}
	m, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	var rec *proxymgr.ServerRecord
	if f.Launcher {
		rec, err = m.StartForLauncher(ctx, f.ParentID, f.Isolated, f.Secret)
	} else {
		rec, err = m.Start(ctx, proxymgr.StartRequest{
			CallerID: f.CallerID,
			ParentID: f.ParentID,
			Isolated: f.Isolated,
			Secret:   f.Secret,
		})
	}
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.New("backend could not be started; see the log for details")
	}
	return printJSON(cmd, rec)
}

func (c *command) Shutdown(cmd *cobra.Command, f ShutdownFlags) error {
	ctx := cmd.Context()
	api, err := c.remote()
	if err != nil {
		return err
	}
	if api != nil {
		return api.Shutdown(ctx, client.ShutdownRequest{ParentID: f.ParentID, CallerID: f.CallerID, Secret: f.Secret})
	}
	m, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Shutdown(ctx, f.ParentID, f.CallerID, f.Secret)
}

func (c *command) List(cmd *cobra.Command, f ListFlags) error {
	ctx := cmd.Context()
	api, err := c.remote()
	if err != nil {
		return err
	}
	if api != nil {
		if f.Refs {
			return errors.New("--refs is not available with --api-url")
		}
		// the API never returns secrets
		servers, err := api.List(ctx, f.ParentID)
		if err != nil {
			return err
		}
		return printJSON(cmd, servers)
	}
	m, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	var entries []proxymgr.Entry
	if f.Refs {
		if f.ParentID == "" {
			return errors.New("--refs requires --parent")
		}
		entries, err = m.References(ctx, f.ParentID)
	} else {
		entries, err = m.List(ctx, f.ParentID)
	}
	if err != nil {
		return err
	}
	out := make([]proxymgr.ServerRecord, 0, len(entries))
	for _, e := range entries {
		if f.ShowSecret {
			out = append(out, e.Record)
		} else {
			out = append(out, e.Record.Redacted())
		}
	}
	return printJSON(cmd, out)
}

func (c *command) Sweep(cmd *cobra.Command, f SweepFlags) error {
	ctx := cmd.Context()
	api, err := c.remote()
	if err != nil {
		return err
	}
	if api != nil {
		if f.Terminate {
			return errors.New("--terminate is not available with --api-url; set terminate_orphans on the server")
		}
		n, err := api.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]int{"removed": n})
	}
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if f.Terminate {
		cfg.TerminateOrphans = true
	}
	m, err := proxymgr.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	n, err := m.Sweep(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]int{"removed": n})
}

func (c *command) Serve(cmd *cobra.Command, f ServeFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, cfg, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	log := m.Logger()

	if err := proxymgr.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	listen := valOr(f.Listen, cfg.Server.Listen)
	base := valOr(f.BasePath, cfg.Server.BasePath)
	// /metrics rides on the API listener unless a dedicated one is configured
	srv := proxymgr.NewHTTPServer(listen, base, cfg.Metrics.Listen == "", m)
	if srv.TLSConfig, err = proxymgr.ServerTLS(cfg); err != nil {
		return fmt.Errorf("setup tls: %w", err)
	}
	servers := []*http.Server{srv}
	if cfg.Metrics.Listen != "" {
		servers = append(servers, proxymgr.NewMetricsServer(cfg.Metrics.Listen))
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			log.Info("listening", "addr", s.Addr, "tls", s.TLSConfig != nil)
			var err error
			if s.TLSConfig != nil {
				err = s.ListenAndServeTLS("", "")
			} else {
				err = s.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s)
	}

	if f.SweepInterval > 0 {
		go sweepLoop(ctx, m, f.SweepInterval)
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return err
}

func sweepLoop(ctx context.Context, m *proxymgr.Manager, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.Logger().Warn("periodic sweep failed", "error", err)
			}
		}
	}
}
