package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/esukram/imapfetcher/internal/checkpoint"
	"github.com/esukram/imapfetcher/internal/config"
	"github.com/esukram/imapfetcher/internal/lock"
	"github.com/esukram/imapfetcher/internal/sink"
	"github.com/esukram/imapfetcher/internal/sync"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <directory>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Mirrors one IMAP mailbox into <directory>, configured by <directory>/config.\n")
}

func main() {
	help := flag.Bool("h", false, "print usage and exit")
	flag.Usage = usage
	flag.Parse()

	if *help {
		usage()
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	dir := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(dir, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(dir string, logger *slog.Logger) error {
	cfg, err := config.Load(filepath.Join(dir, "config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	l, err := lock.Acquire(dir)
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	defer l.Release()

	snk, err := openSink(cfg, dir, logger)
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	defer snk.Close()

	ckpt := checkpoint.New(dir, logger)
	engine := sync.New(cfg, ckpt, snk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("starting mailbox mirror", "directory", dir, "server", cfg.Server)
	return engine.Run(ctx)
}

func openSink(cfg *config.Config, dir string, logger *slog.Logger) (sink.Sink, error) {
	if cfg.Command != "" {
		return sink.NewSubprocess(cfg.Command, logger), nil
	}
	return sink.OpenMbox(filepath.Join(dir, "mbox"), logger)
}
