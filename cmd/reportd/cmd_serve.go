package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/dispatch"
	"github.com/user/reportd/internal/engine"
	"github.com/user/reportd/internal/fill"
	"github.com/user/reportd/internal/gateway"
	"github.com/user/reportd/internal/housekeeper"
	"github.com/user/reportd/internal/mail"
	"github.com/user/reportd/internal/results"
	"github.com/user/reportd/internal/session"
	"github.com/user/reportd/internal/state"
	"github.com/user/reportd/internal/status"
	"github.com/user/reportd/internal/store"
	"github.com/user/reportd/internal/template"
	"github.com/user/reportd/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the report server daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	tmpDir := filepath.Join(cfg.DataDir, "tmp")
	for _, dir := range []string{cfg.DataDir, cfg.DeployDir, tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Runtime settings and persistence
	settings := config.NewSettings(cfg.InitialSettings())
	db := store.New()
	if dsn := settings.Snapshot().DSN; dsn != "" {
		if err := db.Connect(ctx, dsn); err != nil {
			slog.Warn("database unavailable, waiting for configuration", "error", err)
		}
	}
	settings.OnChange(db.Reconfigure)
	defer db.Close()

	// Deployed reports
	templates := template.NewStore(cfg.DeployDir)
	n, err := templates.Rescan()
	if err != nil {
		return fmt.Errorf("scan deploy dir: %w", err)
	}

	res := results.New(db, state.NewDocumentStore(filepath.Join(cfg.DataDir, "documents")), tmpDir)
	mailer := mail.New(settings, gateway.DefaultRetryPolicy())

	manager := session.NewManager(nil, session.Options{
		JoinTimeout:  cfg.JoinWait(),
		MaxFrameSize: cfg.MaxFrameSize,
	})
	defer manager.Shutdown()

	eng := engine.New(engine.Deps{
		Templates: templates,
		Fill:      fill.New(),
		DB:        db,
		Results:   res,
		Mailer:    mailer,
		Notifier:  manager,
		Settings:  settings,
	})

	gw := gateway.New(eng, int64(cfg.MaxConcurrent))
	gw.Start(ctx)
	defer gw.Stop()

	manager.SetHandler(dispatch.New(templates, settings, gw, res, manager, dispatch.Limits{
		MaxFrameSize: cfg.MaxFrameSize,
	}))

	hk := housekeeper.New(templates, db, res, settings, manager, cfg.HousekeepingInterval)
	if err := hk.Start(ctx); err != nil {
		return fmt.Errorf("start housekeeper: %w", err)
	}
	defer hk.Stop()

	if cfg.WatchDeployDir {
		w, err := watcher.New(cfg.DeployDir, deployHandler(templates))
		if err != nil {
			return fmt.Errorf("watch deploy dir: %w", err)
		}
		defer w.Close()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	slog.Info("reportd started",
		"version", Version,
		"listen", ln.Addr().String(),
		"data_dir", cfg.DataDir,
		"deploy_dir", cfg.DeployDir,
		"reports", n,
		"max_concurrent", cfg.MaxConcurrent,
		"log_level", cfg.LogLevel,
		"pid_file", pidPath,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return acceptLoop(gctx, ln, manager)
	})
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           status.NewServer(manager, gw.Queue, templates, db),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("status server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return httpServer.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		return waitForSignal(gctx, cfg.DataDir, pidPath, cancel)
	})

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

// acceptLoop hands every inbound connection to the session manager, which
// keeps at most one of them active.
func acceptLoop(ctx context.Context, ln net.Listener, manager *session.Manager) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		manager.Start(conn)
	}
}

// waitForSignal cancels the daemon on SIGINT/SIGTERM and re-executes the
// binary on SIGHUP.
func waitForSignal(ctx context.Context, dataDir, pidPath string, cancel context.CancelFunc) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(dataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					continue
				}
			}
			slog.Info("received signal", "signal", sig)
			cancel()
			return nil
		}
	}
}

// deployHandler registers bundles appearing in the deploy directory and
// unregisters removed ones.
func deployHandler(templates *template.Store) func(watcher.Event) {
	return func(ev watcher.Event) {
		switch ev.Kind {
		case watcher.Created:
			info, err := os.Stat(ev.Path)
			if err != nil || !info.IsDir() {
				return
			}
			tmpl, err := templates.Add(ev.Path)
			if err != nil {
				slog.Warn("deploy report failed", "path", ev.Path, "error", err)
				return
			}
			slog.Info("report deployed", "report_id", tmpl.Definition.ID, "name", tmpl.Definition.Name)
		case watcher.Deleted:
			if templates.Remove(ev.Path) {
				slog.Info("report undeployed", "path", ev.Path)
			}
		}
	}
}
