package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashita-ai/jarvis"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("JARVIS_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// run starts the engine, or with "submit" enqueues one ad hoc task and
// exits.
func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) > 0 && args[0] == "submit" {
		return submit(ctx, logger, args[1:])
	}

	app, err := jarvis.New(jarvis.WithLogger(logger), jarvis.WithVersion(version))
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func submit(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	account := fs.String("account", "", "account id the task is billed to")
	user := fs.String("user", "", "user id that owns the task")
	if err := fs.Parse(args); err != nil {
		return err
	}
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *account == "" || task == "" {
		return fmt.Errorf("usage: jarvis submit -account ID [-user ID] TASK")
	}

	app, err := jarvis.New(jarvis.WithLogger(logger), jarvis.WithVersion(version))
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()
	if err := app.SubmitTask(ctx, *account, *user, task); err != nil {
		return err
	}
	logger.Info("task submitted", "account_id", *account)
	return nil
}
