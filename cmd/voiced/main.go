package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicechat-server/pkg/config"
	"voicechat-server/pkg/messaging"
	"voicechat-server/pkg/metrics"
	"voicechat-server/pkg/mixer"
	"voicechat-server/pkg/moderation"
	"voicechat-server/pkg/recording"
	"voicechat-server/pkg/spatial"
	"voicechat-server/pkg/transport"
	"voicechat-server/pkg/util"
	"voicechat-server/pkg/voice"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(cfg.LogLevel)
	cfg.LogStartup(logger)

	metrics.Init(logger)

	shutdown := util.NewGracefulShutdown(logger, 30*time.Second)

	// Optional AMQP event publishing.
	var amqpClient *messaging.AMQPClient
	if cfg.AMQPUrl != "" {
		amqpClient = messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:       cfg.AMQPUrl,
			QueueName: cfg.AMQPQueueName,
			Durable:   true,
		})
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, events will not be published")
		}
	}

	var recorder *recording.Recorder
	if cfg.EnableRecording {
		recorder, err = recording.NewRecorder(logger, cfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize recorder")
		}
	}

	events := voice.NewEventRegistry()
	manager := voice.NewManager(logger, cfg, voice.Options{
		Proximity:  spatial.NewProximityManager(cfg),
		Mixer:      mixer.NewAudioMixer(logger, cfg),
		Recorder:   recorder,
		Moderation: moderation.NewService(logger),
		Events:     events,
	})

	var bridge *messaging.EventBridge
	if amqpClient != nil && amqpClient.IsConnected() {
		bridge = messaging.NewEventBridge(logger, amqpClient, events)
	}

	hub := transport.NewHub(logger,
		manager.HandlePacket,
		func(playerID uuid.UUID, name string) {
			manager.HandlePlayerJoin(voice.Player{ID: playerID, Name: name})
		},
		manager.HandlePlayerQuit,
	)
	manager.SetSink(hub)

	if err := manager.Enable(); err != nil {
		logger.WithError(err).Fatal("Failed to enable voice service")
	}

	mux := http.NewServeMux()
	mux.Handle("/voice", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if manager.State() != voice.StateEnabled {
			http.Error(w, "voice service not enabled", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("Voice transport listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Transport server failed")
		}
	}()

	var metricsServer *http.Server
	if cfg.EnableMetrics {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: metrics.Handler(),
		}
		go func() {
			logger.WithField("port", cfg.MetricsPort).Info("Metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Retention sweep for on-disk recordings.
	if recorder != nil {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if _, err := recorder.CleanOldRecordings(); err != nil {
					logger.WithError(err).Warn("Recording cleanup failed")
				}
			}
		}()
	}

	// Stop accepting traffic first, then tear the service down, then the
	// broker connection.
	shutdown.Register(util.ShutdownResource{
		Name:     "transport",
		Priority: 10,
		Shutdown: func(ctx context.Context) error {
			if err := server.Shutdown(ctx); err != nil {
				return err
			}
			return hub.Close()
		},
	})
	shutdown.Register(util.ShutdownResource{
		Name:     "voice-service",
		Priority: 20,
		Shutdown: func(context.Context) error {
			manager.Disable()
			return nil
		},
	})
	if bridge != nil {
		shutdown.RegisterCloser("event-bridge", bridge, 30)
	}
	if amqpClient != nil {
		shutdown.Register(util.ShutdownResource{
			Name:     "amqp",
			Priority: 40,
			Shutdown: func(context.Context) error {
				amqpClient.Disconnect()
				return nil
			},
		})
	}
	if metricsServer != nil {
		shutdown.Register(util.ShutdownResource{
			Name:     "metrics",
			Priority: 50,
			Shutdown: metricsServer.Shutdown,
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
