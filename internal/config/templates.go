package config

import (
	"fmt"
	"os"
)

// Template returns a commented glasslinkd config with every key at its
// default.
func Template() string {
	return daemonTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `id = "glasslinkd"
listen = "127.0.0.1:8090"
cors_origins = ["http://localhost:3000"]
# api_token = "change-me"
no_color = false

# BLE adapter; bluez_bonding pairs through org.bluez before connecting.
adapter = "hci0"
bluez_bonding = true

store_path = "glasslink.db"
# font_path = "fonts/g1.toml"

# Pairing identity to connect to; empty uses the last confirmed pair.
identity = ""
auto_connect = true
connect_wait = "30s"

# [[whitelist]]
# id = "com.example.chat"
# name = "Chat"

[link]
connect_timeout = "10s"
bond_timeout = "15s"
bond_retry_delay = "5s"
bond_backoff_multiplier = 1.0
bond_backoff_max = "30s"
bond_retry_ceiling = 5
reconnect_delay = "2s"
right_connect_retry = "1s"
joint_ready_timeout = "30s"
initial_connection_delay = "350ms"
ack_timeout = "1s"
inter_chunk_delay = "5ms"
heartbeat_interval = "15s"
battery_poll_every = 10
failure_threshold = 8
scan_window = "5s"
`
