// Command ghostframed is the engagement runtime daemon: it loads a
// config file, wires the full component graph, and serves the
// control-plane socket until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/ghostframe/orchestrator"
	"github.com/ghostframe/orchestrator/internal/app"
	"github.com/ghostframe/orchestrator/internal/config"
	"github.com/ghostframe/orchestrator/internal/obslog"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the engagement runtime daemon."`
	Validate ValidateCmd `cmd:"" help:"Validate a daemon config file."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// ServeCmd starts the daemon.
type ServeCmd struct {
	Config string `short:"c" required:"" help:"Path to the daemon config file." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	obslog.Init(obslog.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)
	log := obslog.Get()

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.Build(cfg, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engagement.ShutdownDeadline)
		defer shutdownCancel()
		application.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info("ghostframed starting", "version", ghostframe.GetVersion().String(), "socket", cfg.Socket.Path)
	if err := application.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("ghostframed stopped")
	return nil
}

// ValidateCmd checks a config file loads and passes validation.
type ValidateCmd struct {
	Config string `short:"c" required:"" help:"Path to the daemon config file." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(c.Config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fmt.Println("config OK")
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ghostframed"),
		kong.Description("Autonomous penetration-testing engagement runtime daemon"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
