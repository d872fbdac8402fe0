/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command crabd is the cron job monitoring daemon: it records lifecycle
// events reported by crabsh wrappers, watches schedule liveness, and raises
// alerts through the configured transports.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"crabd/internal/api"
	"crabd/internal/config"
	"crabd/internal/monitor"
	"crabd/internal/notify"
	"crabd/internal/pidfile"
	"crabd/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Set up pflags
	flags := pflag.NewFlagSet("crabd", pflag.ExitOnError)
	config.BindFlags(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		return 1
	}

	// Load configuration
	cfg, err := config.Load(flags)
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	// Set up zerolog with configured log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	logger := zerologr.New(&zl)
	setupLog := logger.WithName("setup")

	if cfg.ConfigFileUsed() != "" {
		setupLog.Info("configuration loaded", "file", cfg.ConfigFileUsed(), "level", cfg.LogLevel)
	} else {
		setupLog.Info("no config file found, using defaults and flags", "level", cfg.LogLevel)
	}

	// PID-file discipline: refuse to start while a live holder exists.
	if cfg.Crab.PIDFile != "" {
		pf, err := pidfile.Acquire(cfg.Crab.PIDFile)
		if err != nil {
			setupLog.Error(err, "failed to acquire pid file", "path", cfg.Crab.PIDFile)
			return 1
		}
		defer pf.Release()
	}

	// Primary store, plus the optional output store for stdout/stderr blobs.
	st, err := store.NewGormStore(cfg.Store.Type, cfg.Store.DSN)
	if err != nil {
		setupLog.Error(err, "failed to open store", "type", cfg.Store.Type)
		return 1
	}
	defer func() { _ = st.Close() }()

	if cfg.OutputStore.Type != "" {
		out, err := store.NewGormStore(cfg.OutputStore.Type, cfg.OutputStore.DSN)
		if err != nil {
			setupLog.Error(err, "failed to open output store", "type", cfg.OutputStore.Type)
			return 1
		}
		defer func() { _ = out.Close() }()
		st.SetOutputStore(out)
	}

	if err := st.Init(); err != nil {
		setupLog.Error(err, "failed to migrate store schema")
		return 1
	}

	transports, err := notify.BuildTransports(cfg.Transports)
	if err != nil {
		setupLog.Error(err, "failed to configure transports")
		return 1
	}

	mon := monitor.New(st, monitor.Options{
		Interval:  cfg.Notify.Interval,
		Lookback:  cfg.Notify.Lookback,
		Timezone:  cfg.Notify.Timezone,
		Grace:     cfg.Notify.GracePeriod,
		Timeout:   cfg.Notify.Timeout,
		QueueSize: cfg.Notify.QueueSize,
		Backlog:   cfg.Notify.Backlog,
	}, logger.WithName("monitor"))

	pruner := monitor.NewHistoryPruner(st, cfg.Retention.Days, cfg.Retention.Interval, logger.WithName("pruner"))

	engine := notify.NewEngine(st, transports, cfg.Notify, cfg.Crab.BaseURL, logger.WithName("notify"))

	handlers := api.NewHandlers(st, mon, cfg.Notify, cfg.Crab.BaseURL, cfg.Crab.FeedEnabled, logger.WithName("api"))
	server := api.NewServer(api.ServerOptions{
		Handlers:       handlers,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Home:           cfg.Crab.Home,
	}, logger.WithName("api"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Start(ctx); err != nil && ctx.Err() == nil {
			setupLog.Error(err, "monitor exited")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pruner.Start(ctx); err != nil && ctx.Err() == nil {
			setupLog.Error(err, "pruner exited")
		}
	}()

	// The engine drains the delta channel until the monitor closes it, so
	// queued alerts survive shutdown up to the flush timeout.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx, mon.Deltas()); err != nil && ctx.Err() == nil {
			setupLog.Error(err, "notification engine exited")
		}
	}()

	err = server.Start(ctx)

	wg.Wait()

	if err != nil {
		setupLog.Error(err, "server exited")
		return 1
	}
	setupLog.Info("shutdown complete")
	return 0
}
