package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/weeebdev/2gis2traccar/internal/bridge"
	"github.com/weeebdev/2gis2traccar/internal/config"
	"github.com/weeebdev/2gis2traccar/internal/feed"
	"github.com/weeebdev/2gis2traccar/internal/sink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	cfg.Logger.Printf("[boot] 2gis2traccar bridge%s", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sinks := buildSinks(cfg)
	dial := func(ctx context.Context) (bridge.Feed, error) {
		return feed.Dial(ctx, cfg.FeedURL, cfg.Logger, cfg.Debug)
	}

	ctrl := bridge.New(cfg, sinks, dial)
	err = ctrl.Run(ctx)
	closeSinks(cfg, sinks)
	if err != nil {
		if errors.Is(err, bridge.ErrReconnectExhausted) {
			cfg.Logger.Fatalf("[fatal] feed unreachable: %v", err)
		}
		cfg.Logger.Fatalf("[fatal] %v", err)
	}
	cfg.Logger.Println("[shutdown] bridge stopped")
}

func closeSinks(cfg *config.Config, sinks []sink.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				cfg.Logger.Printf("[shutdown] closing %s sink: %v", s.Name(), err)
			}
		}
	}
}

func buildSinks(cfg *config.Config) []sink.Sink {
	sinks := []sink.Sink{
		sink.NewTraccar(cfg.TraccarBaseURL, cfg.TraccarProtocol, cfg.Logger, cfg.Debug),
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, sink.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookTable))
		cfg.Logger.Printf("[boot] webhook sink enabled (table=%s)", cfg.WebhookTable)
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, sink.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic))
		cfg.Logger.Printf("[boot] kafka sink enabled (topic=%s)", cfg.KafkaTopic)
	}
	if cfg.InfluxURL != "" {
		sinks = append(sinks, sink.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket))
		cfg.Logger.Printf("[boot] influx sink enabled (bucket=%s)", cfg.InfluxBucket)
	}
	return sinks
}
