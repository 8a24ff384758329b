package main

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arrowproto/gateway/internal/svcmap"
)

// config is the resolved daemon configuration.
type config struct {
	Address      string
	CAFile       string
	IdentityFile string
	LogLevel     slog.Level
	PingInterval time.Duration
	MaxPayload   uint32
	MaxSessions  int
	Services     []serviceConfig
}

type serviceConfig struct {
	Type svcmap.ServiceType
	Addr netip.AddrPort
	MAC  net.HardwareAddr
	Path string
}

// fileConfig is the TOML shape of the configuration file.
type fileConfig struct {
	Address      string        `toml:"address"`
	CAFile       string        `toml:"ca_file"`
	IdentityFile string        `toml:"identity_file"`
	LogLevel     string        `toml:"log_level"`
	PingInterval string        `toml:"ping_interval"`
	MaxPayload   int64         `toml:"max_payload"`
	MaxSessions  int64         `toml:"max_sessions"`
	Services     []fileService `toml:"service"`
}

type fileService struct {
	Type    string `toml:"type"`
	Address string `toml:"address"`
	MAC     string `toml:"mac"`
	Path    string `toml:"path"`
}

var serviceTypes = map[string]svcmap.ServiceType{
	"rtsp":             svcmap.RTSP,
	"locked-rtsp":      svcmap.LockedRTSP,
	"unknown-rtsp":     svcmap.UnknownRTSP,
	"unsupported-rtsp": svcmap.UnsupportedRTSP,
	"http":             svcmap.HTTP,
	"mjpeg":            svcmap.MJPEG,
	"locked-mjpeg":     svcmap.LockedMJPEG,
	"tcp":              svcmap.TCP,
}

// loadConfig reads the configuration file and overlays it onto the
// defaults. The identity file defaults to identity.toml next to the
// configuration file.
func loadConfig(path string) (config, error) {
	cfg := config{
		IdentityFile: filepath.Join(filepath.Dir(path), "identity.toml"),
		LogLevel:     slog.LevelInfo,
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("ca_file") {
		cfg.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("identity_file") {
		cfg.IdentityFile = strings.TrimSpace(raw.IdentityFile)
	}
	if meta.IsDefined("log_level") {
		level, err := parseLogLevel(raw.LogLevel)
		if err != nil {
			return config{}, err
		}
		cfg.LogLevel = level
	}
	if meta.IsDefined("ping_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PingInterval))
		if err != nil {
			return config{}, fmt.Errorf("parse ping_interval: %w", err)
		}
		cfg.PingInterval = d
	}
	if meta.IsDefined("max_payload") {
		if raw.MaxPayload < 0 || raw.MaxPayload > math.MaxUint32 {
			return config{}, fmt.Errorf("max_payload %d out of range", raw.MaxPayload)
		}
		cfg.MaxPayload = uint32(raw.MaxPayload)
	}
	if meta.IsDefined("max_sessions") {
		if raw.MaxSessions < 1 || raw.MaxSessions > math.MaxInt32 {
			return config{}, fmt.Errorf("max_sessions %d out of range", raw.MaxSessions)
		}
		cfg.MaxSessions = int(raw.MaxSessions)
	}

	for i, rs := range raw.Services {
		svc, err := parseService(i, rs)
		if err != nil {
			return config{}, err
		}
		cfg.Services = append(cfg.Services, svc)
	}

	if cfg.Address == "" {
		return config{}, fmt.Errorf("no service address in %s", path)
	}
	return cfg, nil
}

func parseService(i int, raw fileService) (serviceConfig, error) {
	t, ok := serviceTypes[strings.ToLower(strings.TrimSpace(raw.Type))]
	if !ok {
		return serviceConfig{}, fmt.Errorf("service %d: unknown type %q", i, raw.Type)
	}
	ap, err := netip.ParseAddrPort(strings.TrimSpace(raw.Address))
	if err != nil {
		return serviceConfig{}, fmt.Errorf("service %d address: %w", i, err)
	}
	svc := serviceConfig{Type: t, Addr: ap, Path: raw.Path}
	if raw.MAC != "" {
		mac, err := net.ParseMAC(raw.MAC)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("service %d mac: %w", i, err)
		}
		svc.MAC = mac
	}
	return svc, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
