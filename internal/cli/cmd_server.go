package cli

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/subtun/subtun/internal/config"
	"github.com/subtun/subtun/internal/log"
	"github.com/subtun/subtun/internal/server"
)

func runServer(args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return fail(err)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "err", err)
		return 1
	}
	return 0
}
