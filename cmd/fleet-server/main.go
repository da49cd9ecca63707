package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/sudorandom/fleetmap/pkg/api"
	"github.com/sudorandom/fleetmap/pkg/config"
	"github.com/sudorandom/fleetmap/pkg/fleet"
	"github.com/sudorandom/fleetmap/pkg/ingest"
	"github.com/sudorandom/fleetmap/pkg/render"
	"github.com/sudorandom/fleetmap/pkg/sample"
	"github.com/sudorandom/fleetmap/pkg/scheduler"
	"github.com/sudorandom/fleetmap/pkg/store"
)

type CLI struct {
	Common config.Common   `embed:""`
	Feed   config.Feed     `embed:""`
	View   config.Viewport `embed:""`

	Listen       string        `env:"FLEETMAP_LISTEN" default:":8080" help:"HTTP listen address."`
	Samples      int           `env:"FLEETMAP_SAMPLES" default:"0" help:"Sample vehicles loaded at startup when no feed is configured."`
	CaptureDir   string        `name:"capture-dir" env:"FLEETMAP_CAPTURE_DIR" help:"Write rendered frames to this directory as PNG."`
	CaptureEvery time.Duration `name:"capture-every" env:"FLEETMAP_CAPTURE_EVERY" default:"1m" help:"Minimum time between captured frames."`
}

func main() {
	var cli CLI
	if _, err := config.Parse(&cli, "fleet-server", "Headless fleet map with an HTTP API.", os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("parsing arguments")
	}
	if err := config.SetupLogging(cli.Common.LogLevel, cli.Common.LogFormat, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("configuring logging")
	}
	if err := cli.Common.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	projector := cli.Common.Projector()
	st := store.New(&ingest.Pipeline{Projector: projector, Workers: cli.Common.Workers}, store.Options{
		Width:    cli.Common.Width,
		Height:   cli.Common.Height,
		Viewport: cli.View.Get(),
	})
	defer st.Close()

	basemap, err := cli.Common.LoadBasemap(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("basemap unavailable, drawing markers only")
	}

	// The loop and the HTTP handler each own a renderer; they share the
	// basemap cache.
	loopRenderer := render.NewRenderer(cli.Common.Scale)
	loopRenderer.Basemap = basemap
	apiRenderer := render.NewRenderer(cli.Common.Scale)
	apiRenderer.Basemap = basemap

	capture := &render.Capture{Dir: cli.CaptureDir, Every: cli.CaptureEvery}
	raster := render.NewRasterSurface()
	loop := &render.Loop{
		Source:   st,
		Renderer: loopRenderer,
		Surfaces: render.StaticSurface{Surface: raster},
		FPS:      cli.Common.EffectiveFPS(),
		OnFrame: func(_ render.Surface, stats render.FrameStats) {
			capture.Maybe(raster.Image(), stats.Generation, time.Now())
		},
	}

	st.Subscribe(func(snap *fleet.Snapshot) {
		log.Info().Uint64("generation", snap.Generation).Int("records", snap.Len()).Msg("snapshot published")
	})

	var wg conc.WaitGroup
	if cli.Feed.Source() != "" {
		src, err := cli.Feed.NewSource(st)
		if err != nil {
			log.Fatal().Err(err).Msg("configuring feed")
		}
		wg.Go(func() {
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("source", cli.Feed.Source()).Msg("feed stopped")
			}
		})
	} else if cli.Samples > 0 {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		st.SetRawData(sample.GenerateIn(cli.Samples, rng, projector.Bounds, time.Now()))
	}

	loop.Start(ctx)

	srv := api.New(st, api.Options{Renderer: apiRenderer, HitRadius: cli.Common.EffectiveHitRadius()})
	wg.Go(func() {
		if err := api.Serve(ctx, srv.App(), cli.Listen); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	})

	<-ctx.Done()
	log.Info().Msg("shutting down")
	loop.Stop()
	wg.Wait()
	capture.Wait()

	logStats(st.Scheduler().Stats())
}

func logStats(s scheduler.Stats) {
	log.Info().
		Uint64("scheduled", s.Scheduled).
		Uint64("superseded", s.Superseded).
		Uint64("flushed", s.Flushed).
		Msg("scheduler totals")
}
