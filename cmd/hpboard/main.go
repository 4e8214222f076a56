package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hpboard-controller/internal/actions"
	"hpboard-controller/internal/audit"
	"hpboard-controller/internal/canbus"
	"hpboard-controller/internal/config"
	"hpboard-controller/internal/engine"
	"hpboard-controller/internal/metrics"
	"hpboard-controller/internal/models"
)

// boardState tracks what the responder reports: current playback status,
// folder selection and video number, updated by the video control handler.
type boardState struct {
	mu       sync.Mutex
	playback byte
	folder   byte
	video    byte
}

func (s *boardState) setVideo(folder, video byte) {
	s.mu.Lock()
	s.playback = 0x01
	s.folder = folder
	s.video = video
	s.mu.Unlock()
}

// status produces the responder payload: [0x03, playback, folder, video, 0...].
func (s *boardState) status() [8]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return [8]byte{0x03, s.playback, s.folder, s.video}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging.Level)
	log.Info("starting HP BOARD controller",
		"channel", cfg.CAN.Channel,
		"device_id", fmt.Sprintf("0x%X", cfg.CAN.DeviceID),
		"bitrate", cfg.CAN.Bitrate)

	ruleSet, err := cfg.RuleSet()
	if err != nil {
		log.Error("invalid rule set", "error", err)
		os.Exit(1)
	}

	if err := canbus.EnsureUp(log, cfg.CAN.Channel, cfg.CAN.Bitrate); err != nil {
		log.Error("failed to prepare CAN interface", "error", err)
		os.Exit(1)
	}

	bus, err := canbus.DialSocketCAN(cfg.CAN.Channel, cfg.CAN.HardwareFilters)
	if err != nil {
		log.Error("failed to open CAN bus", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		log.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}
	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		metricsSrv = metrics.Serve(cfg.Metrics.Listen, registry)
		log.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen)
	}

	auditW, err := newAuditWriter(log, cfg.Audit)
	if err != nil {
		log.Error("failed to create audit writer", "error", err)
		os.Exit(1)
	}
	auditW.Start()
	defer auditW.Close()

	queue := actions.NewQueue(log, 64)
	queue.Start()
	defer queue.Stop()

	state := &boardState{}
	var mgr *engine.Manager

	reg := actions.NewRegistry()
	register := func(name string, h actions.Handler) {
		if err := reg.Register(name, h); err != nil {
			log.Error("handler registration failed", "rule", name, "error", err)
			os.Exit(1)
		}
	}
	register("video_control", func(f models.Frame) {
		// Byte 1 selects the language folder, byte 2 the video number.
		log.Info("video control command", "folder", f.Data[1], "video", f.Data[2])
		state.setVideo(f.Data[1], f.Data[2])
		if mgr != nil {
			mgr.TriggerStatusResponse()
		}
	})
	register("timer_control", func(f models.Frame) {
		remaining := int(f.Data[2])<<8 | int(f.Data[3])
		log.Info("timer control command", "running", f.Data[1], "remaining_seconds", remaining)
	})
	register("restart", func(f models.Frame) {
		log.Info("restart command received")
		fireAndForget(log, "systemctl", "restart", "hpboard")
	})
	register("shutdown_system", func(f models.Frame) {
		log.Info("shutdown command received")
		fireAndForget(log, "shutdown", "-h", "now")
	})

	dispatcher, err := engine.NewDispatcher(log, reg, queue, ruleSet, auditW, cfg.CAN.Channel, m)
	if err != nil {
		log.Error("invalid dispatch configuration", "error", err)
		os.Exit(1)
	}

	listener := engine.NewListener(log, bus, ruleSet, dispatcher, cfg.Manager.ListenerPollInterval, m)
	responder := engine.NewResponder(log, bus, cfg.CAN.DeviceID, engine.Schedule{
		InitialDelay:     cfg.Manager.ResponderInitialDelay,
		PeriodicInterval: cfg.Manager.ResponderPeriodicInterval,
	}, state.status, m)

	mgr = engine.NewManager(log, bus, listener, responder)
	mgr.Start()
	log.Info("controller started", "rules", ruleSet.Names())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	if err := mgr.Stop(); err != nil {
		log.Warn("error during engine shutdown", "error", err)
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Warn("error during metrics shutdown", "error", err)
		}
		cancel()
	}
	log.Info("controller stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newAuditWriter(log *slog.Logger, cfg config.AuditConfig) (audit.Writer, error) {
	switch cfg.Backend {
	case "clickhouse":
		return audit.NewClickHouse(log, audit.ClickHouseConfig{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Table:    cfg.ClickHouse.Table,
		}, cfg.BatchSize)
	case "influxdb":
		return audit.NewInfluxDB(log, audit.InfluxDBConfig{
			URL:      cfg.InfluxDB.URL,
			Token:    cfg.InfluxDB.Token,
			Database: cfg.InfluxDB.Database,
		}, cfg.BatchSize)
	default:
		return audit.Nop{}, nil
	}
}

// fireAndForget starts a lifecycle command without waiting for it, so the
// dispatch path is never blocked by a restart or shutdown.
func fireAndForget(log *slog.Logger, name string, args ...string) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		log.Error("failed to start command", "command", name, "error", err)
		return
	}
	go func() { _ = cmd.Wait() }()
}
