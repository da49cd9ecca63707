package main

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/rs/zerolog/log"

	"github.com/sudorandom/fleetmap/pkg/config"
	"github.com/sudorandom/fleetmap/pkg/fleet"
	"github.com/sudorandom/fleetmap/pkg/ingest"
	"github.com/sudorandom/fleetmap/pkg/render"
	"github.com/sudorandom/fleetmap/pkg/sample"
	"github.com/sudorandom/fleetmap/pkg/store"
	"github.com/sudorandom/fleetmap/pkg/viewer"
)

type CLI struct {
	Common config.Common   `embed:""`
	Feed   config.Feed     `embed:""`
	View   config.Viewport `embed:""`

	Samples int   `env:"FLEETMAP_SAMPLES" default:"10000" help:"Sample vehicles generated when no feed is configured (0 starts empty)."`
	Seed    int64 `env:"FLEETMAP_SEED" default:"0" help:"Sample generator seed (0 uses the clock)."`
}

func main() {
	var cli CLI
	if _, err := config.Parse(&cli, "fleet-viewer", "Interactive fleet map.", os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("parsing arguments")
	}
	if err := config.SetupLogging(cli.Common.LogLevel, cli.Common.LogFormat, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("configuring logging")
	}
	if err := cli.Common.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projector := cli.Common.Projector()
	st := store.New(&ingest.Pipeline{Projector: projector, Workers: cli.Common.Workers}, store.Options{
		Width:    cli.Common.Width,
		Height:   cli.Common.Height,
		Viewport: cli.View.Get(),
	})
	defer st.Close()

	renderer := render.NewRenderer(cli.Common.Scale)
	if bm, err := cli.Common.LoadBasemap(ctx); err != nil {
		log.Warn().Err(err).Msg("basemap unavailable, drawing markers only")
	} else {
		renderer.Basemap = bm
	}

	seed := cli.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	reload := func(n int) {
		st.SetRawData(sample.GenerateIn(n, rng, projector.Bounds, time.Now()))
	}

	opts := viewer.Options{
		Width:       cli.Common.Width,
		Height:      cli.Common.Height,
		HitRadius:   cli.Common.EffectiveHitRadius(),
		Renderer:    renderer,
		SampleCount: sample.AdjustCount(cli.Samples, 0),
		OnSelect: func(rec *fleet.ProcessedRecord) {
			if rec != nil {
				log.Info().Str("vehicle", rec.VehicleID).Str("status", string(rec.Status)).Msg("selected")
			}
		},
	}

	if cli.Feed.Source() != "" {
		src, err := cli.Feed.NewSource(st)
		if err != nil {
			log.Fatal().Err(err).Msg("configuring feed")
		}
		go func() {
			if err := src.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("source", cli.Feed.Source()).Msg("feed stopped")
			}
		}()
	} else {
		opts.Reload = reload
		if cli.Samples > 0 {
			reload(opts.SampleCount)
		}
	}

	v := viewer.New(st, opts)

	ebiten.SetTPS(cli.Common.EffectiveFPS())
	ebiten.SetWindowSize(cli.Common.Width, cli.Common.Height)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowTitle("Fleet Map")
	if err := ebiten.RunGame(v); err != nil {
		log.Fatal().Err(err).Msg("viewer exited")
	}
}
