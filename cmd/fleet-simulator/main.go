package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sudorandom/fleetmap/pkg/config"
	"github.com/sudorandom/fleetmap/pkg/feed"
	"github.com/sudorandom/fleetmap/pkg/fleet"
	"github.com/sudorandom/fleetmap/pkg/sample"
)

type CLI struct {
	LogLevel  string `name:"log-level" env:"FLEETMAP_LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string `name:"log-format" env:"FLEETMAP_LOG_FORMAT" default:"console" enum:"console,json" help:"Log output format."`
	Bounds    string `env:"FLEETMAP_BOUNDS" default:"world" enum:"world,seoul" help:"Area vehicles are generated in."`

	Listen   string        `env:"FLEETMAP_LISTEN" default:":8090" help:"Address serving the websocket feed at /feed."`
	Vehicles int           `env:"FLEETMAP_SAMPLES" default:"10000" help:"Vehicles simulated."`
	Batch    int           `env:"FLEETMAP_SIM_BATCH" default:"200" help:"Vehicles moved per tick."`
	Interval time.Duration `env:"FLEETMAP_SIM_INTERVAL" default:"500ms" help:"Time between ticks."`
	MaxDelta float64       `name:"max-delta" env:"FLEETMAP_SIM_MAX_DELTA" default:"0.05" help:"Maximum move per tick in degrees."`
	Seed     int64         `env:"FLEETMAP_SEED" default:"0" help:"Generator seed (0 uses the clock)."`

	RedisAddr    string   `name:"redis-addr" env:"FLEETMAP_REDIS_ADDR" help:"Also publish to this Redis server."`
	RedisChannel string   `name:"redis-channel" env:"FLEETMAP_REDIS_CHANNEL" default:"fleetmap:feed" help:"Redis pub/sub channel."`
	KafkaBrokers []string `name:"kafka-brokers" env:"FLEETMAP_KAFKA_BROKERS" sep:"," help:"Also write to these Kafka brokers."`
	KafkaTopic   string   `name:"kafka-topic" env:"FLEETMAP_KAFKA_TOPIC" default:"fleetmap.positions" help:"Kafka topic."`
}

func main() {
	var cli CLI
	if _, err := config.Parse(&cli, "fleet-simulator", "Streams simulated vehicle updates.", os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("parsing arguments")
	}
	if err := config.SetupLogging(cli.LogLevel, cli.LogFormat, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("configuring logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := feed.NewHub()
	publishers := feed.Fanout{hub}
	if cli.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cli.RedisAddr})
		defer client.Close()
		publishers = append(publishers, &feed.RedisPublisher{Client: client, Channel: cli.RedisChannel})
	}
	if len(cli.KafkaBrokers) > 0 {
		kp := feed.NewKafkaPublisher(cli.KafkaBrokers, cli.KafkaTopic)
		defer kp.Close()
		publishers = append(publishers, kp)
	}

	mux := http.NewServeMux()
	mux.Handle("/feed", hub)
	srv := &http.Server{Addr: cli.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cli.Listen).Msg("serving feed at /feed")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("feed server stopped")
			stop()
		}
	}()

	seed := cli.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	bounds := config.Common{Bounds: cli.Bounds}.Projector().Bounds
	vehicles := sample.GenerateIn(cli.Vehicles, rng, bounds, time.Now())

	simulate(ctx, vehicles, rng, cli.Batch, cli.Interval, cli.MaxDelta, publishers)

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("feed server shutdown")
	}
}

// simulate moves a random window of vehicles each tick and publishes them.
func simulate(ctx context.Context, vehicles []fleet.RawRecord, rng *rand.Rand, batch int, interval time.Duration, maxDelta float64, pub feed.Publisher) {
	if len(vehicles) == 0 {
		<-ctx.Done()
		return
	}
	batch = min(max(batch, 1), len(vehicles))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			start := rng.Intn(len(vehicles))
			window := make([]fleet.RawRecord, 0, batch)
			for i := 0; i < batch; i++ {
				window = append(window, vehicles[(start+i)%len(vehicles)])
			}
			moved := sample.Jitter(window, rng, maxDelta, now)
			for i := range moved {
				vehicles[(start+i)%len(vehicles)] = moved[i]
			}
			if err := pub.Publish(ctx, moved); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Int("records", len(moved)).Msg("publishing batch")
			}
		}
	}
}
