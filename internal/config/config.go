// Package config loads the glasslinkd daemon configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/protocol/session"
)

type Daemon struct {
	ID           string
	Listen       string
	CORSOrigins  []string
	APIToken     string
	NoColor      bool
	Adapter      string
	BlueZBonding bool
	StorePath    string
	FontPath     string
	Identity     protocol.PairingIdentity
	AutoConnect  bool
	ConnectWait  time.Duration
	Whitelist    []frame.App
	Link         session.Config
}

func Default() Daemon {
	return Daemon{
		ID:           "glasslinkd",
		Listen:       "127.0.0.1:8090",
		Adapter:      "hci0",
		BlueZBonding: true,
		StorePath:    "glasslink.db",
		AutoConnect:  true,
		ConnectWait:  30 * time.Second,
		Link:         session.DefaultConfig(),
	}
}

type fileApp struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

type fileLink struct {
	ConnectTimeout        string  `toml:"connect_timeout"`
	BondTimeout           string  `toml:"bond_timeout"`
	BondRetryDelay        string  `toml:"bond_retry_delay"`
	BondBackoffMultiplier float64 `toml:"bond_backoff_multiplier"`
	BondBackoffMax        string  `toml:"bond_backoff_max"`
	BondRetryCeiling      int     `toml:"bond_retry_ceiling"`
	ReconnectDelay        string  `toml:"reconnect_delay"`
	RightConnectRetry     string  `toml:"right_connect_retry"`
	JointReadyTimeout     string  `toml:"joint_ready_timeout"`
	InitialDelay          string  `toml:"initial_connection_delay"`
	AckTimeout            string  `toml:"ack_timeout"`
	AckTimeoutMS          int64   `toml:"ack_timeout_ms"`
	InterChunkDelay       string  `toml:"inter_chunk_delay"`
	InterChunkDelayMS     int64   `toml:"inter_chunk_delay_ms"`
	HeartbeatInterval     string  `toml:"heartbeat_interval"`
	BatteryPollEvery      int     `toml:"battery_poll_every"`
	FailureThreshold      int     `toml:"failure_threshold"`
	ScanWindow            string  `toml:"scan_window"`
}

type fileConfig struct {
	ID           string    `toml:"id"`
	Listen       string    `toml:"listen"`
	CORSOrigins  []string  `toml:"cors_origins"`
	APIToken     string    `toml:"api_token"`
	NoColor      bool      `toml:"no_color"`
	Adapter      string    `toml:"adapter"`
	BlueZBonding bool      `toml:"bluez_bonding"`
	StorePath    string    `toml:"store_path"`
	FontPath     string    `toml:"font_path"`
	Identity     string    `toml:"identity"`
	AutoConnect  bool      `toml:"auto_connect"`
	ConnectWait  string    `toml:"connect_wait"`
	Whitelist    []fileApp `toml:"whitelist"`
	Link         fileLink  `toml:"link"`
}

func Load(path string) (Daemon, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("no_color") {
		cfg.NoColor = raw.NoColor
	}
	if meta.IsDefined("adapter") {
		cfg.Adapter = strings.TrimSpace(raw.Adapter)
	}
	if meta.IsDefined("bluez_bonding") {
		cfg.BlueZBonding = raw.BlueZBonding
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("font_path") {
		cfg.FontPath = strings.TrimSpace(raw.FontPath)
	}
	if meta.IsDefined("identity") {
		id := protocol.PairingIdentity(strings.TrimSpace(raw.Identity))
		if !id.Empty() && !id.Valid() {
			return Daemon{}, fmt.Errorf("parse identity: %q is not numeric", raw.Identity)
		}
		cfg.Identity = id
	}
	if meta.IsDefined("auto_connect") {
		cfg.AutoConnect = raw.AutoConnect
	}
	if meta.IsDefined("connect_wait") {
		if cfg.ConnectWait, err = parseDuration("connect_wait", raw.ConnectWait); err != nil {
			return Daemon{}, err
		}
	}
	if meta.IsDefined("whitelist") {
		cfg.Whitelist = make([]frame.App, 0, len(raw.Whitelist))
		for _, app := range raw.Whitelist {
			id := strings.TrimSpace(app.ID)
			if id == "" {
				return Daemon{}, fmt.Errorf("parse whitelist: app id is required")
			}
			cfg.Whitelist = append(cfg.Whitelist, frame.App{ID: id, Name: strings.TrimSpace(app.Name)})
		}
	}

	if err := applyLink(&cfg.Link, meta, raw.Link); err != nil {
		return Daemon{}, err
	}
	if err := Validate(cfg); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

func Validate(cfg Daemon) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("config missing id")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("config missing listen")
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		return fmt.Errorf("config missing store_path")
	}
	if cfg.BlueZBonding && strings.TrimSpace(cfg.Adapter) == "" {
		return fmt.Errorf("config adapter required when bluez_bonding is set")
	}
	return nil
}

func applyLink(link *session.Config, meta toml.MetaData, raw fileLink) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &link.ConnectTimeout},
		{"bond_timeout", raw.BondTimeout, &link.BondTimeout},
		{"bond_retry_delay", raw.BondRetryDelay, &link.BondBackoff.InitialDelay},
		{"bond_backoff_max", raw.BondBackoffMax, &link.BondBackoff.MaxDelay},
		{"reconnect_delay", raw.ReconnectDelay, &link.ReconnectDelay},
		{"right_connect_retry", raw.RightConnectRetry, &link.RightConnectRetry},
		{"joint_ready_timeout", raw.JointReadyTimeout, &link.JointReadyTimeout},
		{"initial_connection_delay", raw.InitialDelay, &link.InitialConnectionDelay},
		{"ack_timeout", raw.AckTimeout, &link.AckTimeout},
		{"inter_chunk_delay", raw.InterChunkDelay, &link.InterChunkDelay},
		{"heartbeat_interval", raw.HeartbeatInterval, &link.HeartbeatInterval},
		{"scan_window", raw.ScanWindow, &link.ScanWindow},
	}
	for _, d := range durations {
		if !meta.IsDefined("link", d.key) {
			continue
		}
		v, err := parseDuration("link."+d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	if meta.IsDefined("link", "ack_timeout_ms") {
		link.AckTimeout = time.Duration(raw.AckTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("link", "inter_chunk_delay_ms") {
		link.InterChunkDelay = time.Duration(raw.InterChunkDelayMS) * time.Millisecond
	}
	if meta.IsDefined("link", "bond_backoff_multiplier") {
		if raw.BondBackoffMultiplier < 1 {
			return fmt.Errorf("parse link.bond_backoff_multiplier: must be >= 1, got %v", raw.BondBackoffMultiplier)
		}
		link.BondBackoff.Multiplier = raw.BondBackoffMultiplier
	}
	if meta.IsDefined("link", "bond_retry_ceiling") {
		link.BondRetryCeiling = raw.BondRetryCeiling
	}
	if meta.IsDefined("link", "battery_poll_every") {
		link.BatteryPollEvery = raw.BatteryPollEvery
	}
	if meta.IsDefined("link", "failure_threshold") {
		link.FailureThreshold = raw.FailureThreshold
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
