package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	stream "github.com/przygienda/simple-stream"
)

type config struct {
	Addr            string
	MetricsAddr     string
	LogLevel        string
	MaxPayload      int
	Heartbeat       time.Duration
	ReadBuffer      int
	SendBuffer      int
	ShutdownTimeout time.Duration
}

func defaultConfig() config {
	return config{
		Addr:            "127.0.0.1:7400",
		LogLevel:        "info",
		MaxPayload:      stream.MaxPayloadLen,
		Heartbeat:       30 * time.Second,
		ReadBuffer:      4096,
		SendBuffer:      16,
		ShutdownTimeout: 5 * time.Second,
	}
}

type fileConfig struct {
	Addr            string `toml:"addr"`
	MetricsAddr     string `toml:"metrics_addr"`
	LogLevel        string `toml:"log_level"`
	MaxPayload      int    `toml:"max_payload"`
	Heartbeat       string `toml:"heartbeat"`
	ReadBuffer      int    `toml:"read_buffer"`
	SendBuffer      int    `toml:"send_buffer"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// loadConfig overlays the keys present in the TOML file at path onto defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrap(err, "load streamecho config")
	}

	if meta.IsDefined("addr") {
		if v := strings.TrimSpace(raw.Addr); v != "" {
			cfg.Addr = v
		}
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("max_payload") {
		cfg.MaxPayload = raw.MaxPayload
	}

	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return config{}, errors.Wrap(err, "parse heartbeat")
		}
		cfg.Heartbeat = d
	}

	if meta.IsDefined("read_buffer") {
		cfg.ReadBuffer = raw.ReadBuffer
	}

	if meta.IsDefined("send_buffer") {
		cfg.SendBuffer = raw.SendBuffer
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return config{}, errors.Wrap(err, "parse shutdown_timeout")
		}
		cfg.ShutdownTimeout = d
	}

	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.MaxPayload < 0 || c.MaxPayload > stream.MaxPayloadLen {
		return errors.Errorf("max_payload %d outside [0, %d]", c.MaxPayload, stream.MaxPayloadLen)
	}
	if c.ReadBuffer <= 0 {
		return errors.Errorf("read_buffer must be positive, got %d", c.ReadBuffer)
	}
	if c.SendBuffer <= 0 {
		return errors.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	if c.Heartbeat <= 0 {
		return errors.Errorf("heartbeat must be positive, got %v", c.Heartbeat)
	}
	return nil
}

// connOptions maps the config onto per-connection options.
func (c config) connOptions() []stream.Option {
	return []stream.Option{
		stream.MessageMaxSize(c.MaxPayload),
		stream.HeartbeatOption(c.Heartbeat),
		stream.ReadBufferSizeOption(c.ReadBuffer),
		stream.BufferSizeOption(c.SendBuffer),
	}
}
