package cli

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/subtun/subtun/internal/client"
	"github.com/subtun/subtun/internal/config"
	"github.com/subtun/subtun/internal/log"
)

func runClient(args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return fail(err)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("client failed", "err", err)
		return 1
	}
	return 0
}
