package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logpkg "wavy-aggregator/common/logger"
	"wavy-aggregator/internal/sensor"

	"go.uber.org/zap"
)

func main() {
	cfg, err := sensor.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "wavy-sensor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting wavy sensor",
		zap.String("device_id", cfg.DeviceID),
		zap.String("aggregator_addr", cfg.AggregatorAddr),
		zap.Duration("interval", cfg.Interval),
	)

	client := sensor.NewClient(cfg, nil, log)
	if err := client.Run(ctx); err != nil {
		log.Error("Sensor stopped with error", zap.Error(err))
	}
	log.Info("Sensor stopped")
}
