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
	"syscall"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/admission"
	"github.com/dgnsrekt/tabwarden/internal/agent"
	"github.com/dgnsrekt/tabwarden/internal/api"
	"github.com/dgnsrekt/tabwarden/internal/browser"
	"github.com/dgnsrekt/tabwarden/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwarden/internal/config"
	"github.com/dgnsrekt/tabwarden/internal/controller"
	"github.com/dgnsrekt/tabwarden/internal/dispatch"
	"github.com/dgnsrekt/tabwarden/internal/netutil"
	"github.com/dgnsrekt/tabwarden/internal/notify"
	"github.com/dgnsrekt/tabwarden/internal/relay"
	"github.com/dgnsrekt/tabwarden/internal/settings"
	"github.com/dgnsrekt/tabwarden/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tab limit daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}

	slog.Info("tabwarden config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"notify_mode", cfg.NotifyMode,
		"settings_file", cfg.SettingsFile,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"message_timeout_ms", cfg.MessageTimeoutMS,
		"exempt_urls", cfg.ExemptURLs,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	mode, err := dispatch.ParseMode(cfg.NotifyMode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			StartURLs:  cfg.BrowserStartURLs,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("select bind address: %w", err)
	}
	bindAddr := ln.Addr().String()

	store, err := settings.Open(cfg.SettingsFile)
	if err != nil {
		_ = ln.Close()
		return err
	}

	broker := relay.NewBroker()
	journal, err := storage.OpenJournal(cfg.HistoryFile, 0)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = journal.Close() }()

	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), time.Duration(cfg.EvalTimeoutMS)*time.Millisecond)
	host := agent.New(cdpClient, agent.WithPublisher(broker))

	strategies := []dispatch.Strategy{
		dispatch.Page(host),
		dispatch.System(notify.NewDesktop(cfg.DesktopNotify)),
		dispatch.System(notify.NewNTFY(cfg.NTFYEndpoint, &http.Client{Timeout: 5 * time.Second})),
	}
	disp := dispatch.New(cdpClient, mode, strategies,
		dispatch.WithAttemptTimeout(time.Duration(cfg.MessageTimeoutMS)*time.Millisecond))

	ctrl, err := admission.New(admission.Config{
		OptionsURL: config.OptionsURL(bindAddr),
		ExemptURLs: cfg.ExemptURLs,
	}, admission.Deps{
		Settings:  store,
		Browser:   cdpClient,
		Injector:  host,
		Notifier:  disp,
		Publisher: broker,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer ctrl.Close()

	host.SetSettingsOpener(func(ctx context.Context) error {
		_, err := ctrl.OpenOptionsPage(ctx)
		return err
	})
	unsubscribe := store.Subscribe(func(c settings.Change) {
		broker.Publish(relay.NewEvent(relay.FeedSettings, c))
	})
	defer unsubscribe()

	cdpClient.Observe(ctrl)
	cdpClient.Observe(host)
	cdpClient.OnBinding(agent.BindingName, host.HandleBinding)

	svc := controller.NewService(cdpClient, store, ctrl, journal)
	srv := &http.Server{
		Handler:           api.NewServer(svc, broker),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("tabwarden listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs", "options", config.OptionsURL(bindAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return cdpClient.Run(gctx)
	})
	g.Go(func() error {
		journal.Follow(gctx, broker)
		return nil
	})
	g.Go(func() error {
		if err := store.Watch(gctx); err != nil {
			slog.Warn("settings watch unavailable, external edits ignored", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("tabwarden shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("tabwarden stopped")
	return err
}
