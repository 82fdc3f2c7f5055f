// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/cineflow/internal/config"
	"github.com/tombee/cineflow/internal/governor"
	"github.com/tombee/cineflow/internal/log"
	"github.com/tombee/cineflow/internal/metrics"
	"github.com/tombee/cineflow/internal/provider"
	"github.com/tombee/cineflow/internal/runner"
	"github.com/tombee/cineflow/internal/server"
	"github.com/tombee/cineflow/internal/store"
	"github.com/tombee/cineflow/internal/storyboard"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		listenAddr  = flag.String("listen", ":8844", "Control API listen address")
		inputDir    = flag.String("input-dir", "", "Scan this directory for storyboard*.json at boot")
		seedFile    = flag.String("seed-file", "", "YAML provider/model seed file (overrides SEED_FILE)")
		uploadRoot  = flag.String("upload-root", "", "Directory backing /uploads/ image references")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cineflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	settings, err := config.FromEnv()
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *seedFile != "" {
		settings.SeedFile = *seedFile
	}

	st := store.New()
	if settings.SeedFile != "" {
		seeds, err := store.LoadSeedFile(settings.SeedFile)
		if err != nil {
			logger.Error("Failed to load seed file", slog.Any("error", err))
			os.Exit(1)
		}
		st.ApplySeeds(seeds)
		logger.Info("provider/model seeds loaded",
			"path", settings.SeedFile,
			"providers", len(seeds.Providers),
			"models", len(seeds.Models))
	}

	if *inputDir != "" {
		discovered, err := storyboard.Scan(*inputDir, logger)
		if err != nil {
			logger.Error("Storyboard scan failed", slog.Any("error", err))
			os.Exit(1)
		}
		for _, d := range discovered {
			rec := st.CreateStoryboard(d.Storyboard.Name, d.Storyboard.Segments, d.Path)
			logger.Info("storyboard registered",
				"storyboard_id", rec.ID,
				"path", d.Path,
				"segments", len(d.Storyboard.Segments))
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	gov := governor.New(governor.Config{
		Max:            settings.MaxConcurrentTasks,
		Min:            settings.ConcurrencyMinTasks,
		ErrorThreshold: settings.ConcurrencyErrorThreshold,
		Cooldown:       settings.ConcurrencyCooldown,
		RecoveryRate:   settings.ConcurrencyRecoveryRate,
	}, logger)

	clients, err := provider.NewRegistry(&settings, *uploadRoot)
	if err != nil {
		logger.Error("Failed to build provider registry", slog.Any("error", err))
		os.Exit(1)
	}

	run := runner.New(runner.Options{
		Store:    st,
		Router:   provider.NewRouter(st),
		Clients:  clients,
		Governor: gov,
		Settings: settings,
		Logger:   logger,
		Metrics:  m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if settings.SeedFile != "" {
		go func() {
			if err := store.WatchSeedFile(ctx, settings.SeedFile, st, logger); err != nil {
				logger.Error("Seed file watcher stopped", slog.Any("error", err))
			}
		}()
	}

	srv := server.New(server.Config{Addr: *listenAddr}, st, run, gov, registry, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
		}
		run.Wait()
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
