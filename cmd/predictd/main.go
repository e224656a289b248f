package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/cfg"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/metrics"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/registry"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/serve"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/storage"
)

// maxBackground caps the explanation background sample per target.
const maxBackground = 200

func main() {
	var (
		logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		driftInterval = flag.Duration("drift-interval", time.Minute, "Drift evaluation cadence")
	)
	flag.Parse()
	setupLogging(*logLevel)

	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if c.DatasetPath == "" {
		log.Fatal().Msg("DATASET_PATH is required: the serving schema and drift baselines derive from the training table")
	}

	ds, err := features.LoadCSV(c.DatasetPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", c.DatasetPath).Msg("dataset load failed")
	}

	reg, err := registry.Open(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("registry open failed")
	}
	defer reg.Close()

	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage open failed")
	}
	defer store.Close()

	m := metrics.New()
	srv := serve.NewServer(reg, store, m, serve.Options{
		Port:           c.ListenPort,
		ShapleySamples: c.ShapleySamples,
		DriftInterval:  *driftInterval,
	})

	driftCfg := c.Drift
	if driftCfg.SavePath == "" {
		driftCfg.SavePath = filepath.Join(c.DataPath, "baselines")
	}

	targets := append(append([]string{}, features.NumericTargets...), features.TargetBrand)
	var monitors []*drift.Monitor
	installed := 0
	for _, target := range targets {
		mon, err := installTarget(srv, ds, target, driftCfg)
		if err != nil {
			log.Warn().Str("target", target).Err(err).Msg("target not served, train it first")
			continue
		}
		monitors = append(monitors, mon)
		installed++
	}
	if installed == 0 {
		log.Fatal().Msg("no target has published artifacts, nothing to serve")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunDriftLoop(ctx)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	for _, mon := range monitors {
		if err := mon.Save(); err != nil {
			log.Warn().Err(err).Msg("baseline save failed")
		}
	}
}

// installTarget wires one target into the server: its view schema, an
// explanation background, and a drift monitor restored from disk or
// seeded from the training table.
func installTarget(srv *serve.Server, ds *features.Dataset, target string, driftCfg drift.Config) (*drift.Monitor, error) {
	view, err := ds.ForTarget(target)
	if err != nil {
		return nil, err
	}

	mon := drift.NewMonitor(driftCfg, target)
	if err := mon.Load(); err != nil {
		return nil, err
	}
	if mon.Baseline() == nil {
		b, err := drift.NewBaseline(view, nil, driftCfg.Bins)
		if err != nil {
			return nil, err
		}
		mon.SetBaseline(b, view.Classes)
		if err := mon.Save(); err != nil {
			log.Warn().Str("target", target).Err(err).Msg("baseline save failed")
		}
	}

	background := view.Vectors
	if len(background) > maxBackground {
		background = background[:maxBackground]
	}
	if err := srv.Install(target, view.Schema, view.Classes, background, mon); err != nil {
		return nil, err
	}
	return mon, nil
}

func setupLogging(logLevel string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
