package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/conference/internal/adapters/gateway"
	router "github.com/dkeye/conference/internal/adapters/http"
	"github.com/dkeye/conference/internal/adapters/mqtt"
	"github.com/dkeye/conference/internal/adapters/rtc"
	wssignal "github.com/dkeye/conference/internal/adapters/signal"
	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/app/broker"
	"github.com/dkeye/conference/internal/app/gating"
	"github.com/dkeye/conference/internal/app/jsep"
	"github.com/dkeye/conference/internal/app/orch"
	"github.com/dkeye/conference/internal/app/sfu"
	"github.com/dkeye/conference/internal/app/upload"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	policy, err := app.ParseReaderPolicy(cfg.General.ReaderPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("reader policy")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	streams := app.NewStreamRegistry(cfg.General.StreamGrace)
	agents := app.NewAgentIndex()
	handles := app.NewHandleTable()
	hosts := gateway.NewRouter()
	brk := broker.New(hosts, cfg.Broker.Timeout)
	relays := sfu.NewRelayManager(streams.Touch)

	media, shutdownMedia, err := newMediaEngine(cfg, relays)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine")
	}

	uploader := upload.New(cfg.Upload.Script, cfg.Upload.RecordsDir, cfg.Upload.Backends)
	go uploader.Run(ctx)

	o := &orch.Orchestrator{
		Streams: streams,
		Agents:  agents,
		Handles: handles,
		Broker:  brk,
		Gating: &gating.Controller{
			Streams: streams,
			Agents:  agents,
			Handles: handles,
			Sink:    relays,
			Limits: gating.Constraints{
				MaxVideoREMB: cfg.Constraint.Writer.MaxVideoREMB,
				MaxAudioREMB: cfg.Constraint.Writer.MaxAudioREMB,
			},
		},
		Media:    media,
		Host:     hosts,
		Policy:   policy,
		Relays:   relays,
		Uploader: uploader,
		Metrics:  m,
	}
	o.BindMediaHandlers()
	if e, ok := media.(*rtc.Engine); ok {
		e.OnHangup(o.HangupMedia)
		e.OnReady(o.SetupMedia)
	}
	go o.RunVacuum(ctx, cfg.General.VacuumInterval)

	if cfg.MQTT.Enabled {
		sig := mqtt.NewSignaler(o, hosts, mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err := sig.Start(ctx); err != nil {
			log.Error().Err(err).Str("module", "mqtt").Msg("MQTT signaling disabled")
		}
	}

	ws := wssignal.NewSignalWSController(o, hosts, wssignal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		RateLimit:    cfg.Signal.RateLimit,
		RateInterval: cfg.Signal.RateInterval,
	})
	r := router.SetupRouter(ctx, cfg, router.Deps{
		Signal:  ws,
		Core:    o,
		Streams: streams,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("media_engine", cfg.Media.Engine).Msg("conference server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	brk.Close()
	shutdownMedia()
	log.Info().Msg("Server exited gracefully")
}

func newMediaEngine(cfg *config.Config, relays *sfu.RelayManager) (core.MediaEngine, func(), error) {
	switch cfg.Media.Engine {
	case config.EngineWebRTC:
		e, err := rtc.NewEngine(rtc.Options{
			ICEServers: cfg.Media.ICEServers,
			VideoCodec: cfg.Media.VideoCodec,
		}, relays)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Shutdown, nil
	default:
		codecs := jsep.DefaultVideoCodecs
		if cfg.Media.VideoCodec != "" {
			codecs = []string{cfg.Media.VideoCodec}
			for _, c := range jsep.DefaultVideoCodecs {
				if !strings.EqualFold(c, cfg.Media.VideoCodec) {
					codecs = append(codecs, c)
				}
			}
		}
		e, err := jsep.NewEngine(jsep.NewAnswerer(codecs))
		if err != nil {
			return nil, nil, err
		}
		return e, func() {}, nil
	}
}
