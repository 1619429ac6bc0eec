package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/danmuck/glasslink/internal/ble/bluez"
	"github.com/danmuck/glasslink/internal/ble/tinyble"
	"github.com/danmuck/glasslink/internal/config"
	"github.com/danmuck/glasslink/internal/glasses"
	"github.com/danmuck/glasslink/internal/logging"
	"github.com/danmuck/glasslink/internal/observability"
	"github.com/danmuck/glasslink/internal/render"
	"github.com/danmuck/glasslink/internal/server"
	"github.com/danmuck/glasslink/internal/store"
	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

func main() {
	configPath := flag.String("config", "", "path to a glasslinkd TOML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "glasslinkd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.ConfigureRuntime()
	logger := observability.InitLogger(cfg.ID, cfg.NoColor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bonder tinyble.Bonder
	if cfg.BlueZBonding {
		b, err := bluez.Dial(cfg.Adapter)
		if err != nil {
			return err
		}
		defer b.Close()
		bonder = b
	}
	central := tinyble.New(bluetooth.DefaultAdapter, bonder, cfg.Link.BondTimeout)
	if err := central.Enable(); err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	font, err := loadFont(cfg.FontPath)
	if err != nil {
		return err
	}

	device, err := glasses.New(central, glasses.Options{
		Config:    cfg.Link,
		Store:     db,
		Font:      font,
		Whitelist: cfg.Whitelist,
	})
	if err != nil {
		return err
	}
	defer device.Close()

	if !cfg.Identity.Empty() {
		if err := device.SavePreferredIdentity(ctx, cfg.Identity); err != nil {
			return err
		}
	}
	if cfg.AutoConnect {
		go autoConnect(ctx, logger, device)
	}

	srv := server.New(cfg.ID, cfg.Listen, device, server.Options{
		CORSOrigins: cfg.CORSOrigins,
		APIToken:    cfg.APIToken,
		ConnectWait: cfg.ConnectWait,
	})
	logger.Info().Str("listen", cfg.Listen).Str("store", cfg.StorePath).Msg("glasslinkd.started")
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	logger.Info().Msg("glasslinkd.stopped")
	return nil
}

// autoConnect brings the saved pair up once at startup. The link keeps
// reconnecting on its own after that.
func autoConnect(ctx context.Context, logger zerolog.Logger, device *glasses.Device) {
	err := device.Connect(ctx, "")
	switch {
	case err == nil:
		logger.Info().Msg("glasslinkd.glasses connected")
	case errors.Is(err, context.Canceled):
	default:
		logger.Warn().Err(err).Msg("glasslinkd.auto connect failed")
	}
}

func loadFont(path string) (*render.Font, error) {
	if path == "" {
		return render.DefaultFont(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	return render.LoadFont(data)
}
