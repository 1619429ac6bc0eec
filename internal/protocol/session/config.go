package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link timing and reliability defaults.
type Config struct {
	// ConnectTimeout bounds Connecting -> ServiceReady for one arm.
	ConnectTimeout time.Duration
	// BondTimeout bounds a single bonding attempt.
	BondTimeout time.Duration
	// BondBackoff spaces bonding retries. A multiplier of 1 keeps it flat.
	BondBackoff      BackoffConfig
	BondRetryCeiling int
	// ReconnectDelay is the flat settle delay after a forced pair disconnect.
	ReconnectDelay    time.Duration
	RightConnectRetry time.Duration
	// JointReadyTimeout bounds the wait for both arms to reach ServiceReady.
	JointReadyTimeout      time.Duration
	InitialConnectionDelay time.Duration
	AckTimeout             time.Duration
	InterChunkDelay        time.Duration
	HeartbeatInterval      time.Duration
	BatteryPollEvery       int
	// FailureThreshold counts consecutive ack timeouts or CRC failures before
	// the link is reported degraded.
	FailureThreshold int
	ScanWindow       time.Duration
}

// DefaultConfig returns the timing the arm firmware is known to tolerate.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		BondTimeout:    15 * time.Second,
		BondBackoff: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1.0,
			MaxDelay:     30 * time.Second,
		},
		BondRetryCeiling:       5,
		ReconnectDelay:         2 * time.Second,
		RightConnectRetry:      time.Second,
		JointReadyTimeout:      30 * time.Second,
		InitialConnectionDelay: 350 * time.Millisecond,
		AckTimeout:             time.Second,
		InterChunkDelay:        5 * time.Millisecond,
		HeartbeatInterval:      15 * time.Second,
		BatteryPollEvery:       10,
		FailureThreshold:       8,
		ScanWindow:             5 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.BondTimeout <= 0 {
		c.BondTimeout = d.BondTimeout
	}
	if c.BondBackoff.InitialDelay <= 0 {
		c.BondBackoff = d.BondBackoff
	}
	if c.BondRetryCeiling <= 0 {
		c.BondRetryCeiling = d.BondRetryCeiling
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.RightConnectRetry <= 0 {
		c.RightConnectRetry = d.RightConnectRetry
	}
	if c.JointReadyTimeout <= 0 {
		c.JointReadyTimeout = d.JointReadyTimeout
	}
	if c.InitialConnectionDelay < 0 {
		c.InitialConnectionDelay = d.InitialConnectionDelay
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.InterChunkDelay < 0 {
		c.InterChunkDelay = d.InterChunkDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.BatteryPollEvery <= 0 {
		c.BatteryPollEvery = d.BatteryPollEvery
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = d.ScanWindow
	}
	return c
}
