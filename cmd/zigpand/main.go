package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigpan/internal/api"
	"zigpan/internal/coordinator"
	"zigpan/internal/radio"
	"zigpan/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Network struct {
		Channel uint16 `yaml:"channel"` // 0 scans for the quietest channel
		PanID   uint16 `yaml:"pan_id"`  // 0 draws a random identifier
		TxPower int16  `yaml:"tx_power"`
	} `yaml:"network"`
	Security struct {
		NetworkKey     string `yaml:"network_key"` // hex, empty generates one
		RotateInterval string `yaml:"rotate_interval"`
	} `yaml:"security"`
	API struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"api"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Policy struct {
		Script string `yaml:"script"`
	} `yaml:"policy"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Timers struct {
		JoinTimeout       string `yaml:"join_timeout"`
		LivenessWindow    string `yaml:"liveness_window"`
		ReassemblyTimeout string `yaml:"reassembly_timeout"`
	} `yaml:"timers"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Network.Channel != 0 && (c.Network.Channel < 11 || c.Network.Channel > 26) {
		return fmt.Errorf("network.channel must be 11-26 or 0 for scan, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0xFFFF")
	}
	if c.Security.NetworkKey != "" {
		b, err := hex.DecodeString(c.Security.NetworkKey)
		if err != nil || len(b) != 16 {
			return fmt.Errorf("security.network_key must be 32 hex characters")
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigpan starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Open the serial link to the radio bridge
	transport, err := radio.NewBridge(radio.Config{
		Device:   cfg.Serial.Port,
		BaudRate: cfg.Serial.Baud,
	}, logger)
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer transport.Close()

	events := coordinator.NewEventBus(logger)

	// Admission policy (no-op when built with no_policy tag).
	pol, polStop, err := initPolicy(cfg, events, logger)
	if err != nil {
		logger.Error("admission policy", "err", err)
		os.Exit(1)
	}

	coordCfg, err := stackConfig(cfg)
	if err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	coordCfg.Policy = pol

	coord := coordinator.New(transport, db, events, coordCfg, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(startCtx); err != nil {
		logger.Error("start coordinator", "err", err)
		startCancel()
		os.Exit(1)
	}
	startCancel()

	// Start API server
	var apiOpts []api.ServerOption
	if cfg.API.APIKey != "" {
		apiOpts = append(apiOpts, api.WithAPIKey(cfg.API.APIKey))
	}
	if len(cfg.API.AllowedOrigins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(cfg.API.AllowedOrigins))
	}
	apiServer := api.NewServer(coord, logger, apiOpts...)

	httpServer := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      apiServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.API.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-coord.Done():
		logger.Error("coordinator stopped", "err", err)
	case err := <-serveErr:
		logger.Error("http server", "err", err)
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	apiServer.Stop()
	polStop.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

// stackConfig translates the YAML surface into the coordinator config,
// parsing the duration fields.
func stackConfig(cfg *Config) (coordinator.Config, error) {
	out := coordinator.Config{
		Channel:    cfg.Network.Channel,
		PanID:      cfg.Network.PanID,
		TxPower:    cfg.Network.TxPower,
		NetworkKey: cfg.Security.NetworkKey,
	}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"security.rotate_interval", cfg.Security.RotateInterval, &out.RotateInterval},
		{"timers.join_timeout", cfg.Timers.JoinTimeout, &out.JoinTimeout},
		{"timers.liveness_window", cfg.Timers.LivenessWindow, &out.LivenessWindow},
		{"timers.reassembly_timeout", cfg.Timers.ReassemblyTimeout, &out.FragmentTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return out, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8080"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "zigpan.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigpan"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
