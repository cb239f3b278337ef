package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "tabwarden",
	Short: "Enforce a per-window tab limit in a Chromium browser",
	Long: `tabwarden attaches to a Chromium-family browser over the DevTools protocol,
closes tabs that push a window over the configured limit and tells the user
through the page itself or a system notification.

Run "tabwarden serve" to start the daemon. The other commands talk to a
running daemon through its HTTP API.`,
	SilenceUsage: true,
}

func init() {
	defaultAddr := os.Getenv("TABWARDEN_BIND_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:8190"
	}
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", defaultAddr, "daemon API address")

	rootCmd.AddCommand(serveCmd, limitCmd, tabsCmd, optionsCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(level, filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
