// Package server exposes a glasses device over HTTP: status, connect,
// render and control routes plus a websocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/glasslink/internal/auth"
	"github.com/danmuck/glasslink/internal/glasses"
	"github.com/danmuck/glasslink/internal/observability"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/render"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Glasses is the device surface the routes drive. *glasses.Device
// satisfies it.
type Glasses interface {
	Connect(ctx context.Context, hint protocol.PairingIdentity) error
	Disconnect()
	Status() glasses.Status
	Discover(ctx context.Context) ([]protocol.PairingIdentity, error)
	ForgetPairing(ctx context.Context) error
	SendText(layout render.Layout, text, right string) error
	SendBitmap(bmp []byte) error
	SendControl(ctx context.Context, c glasses.Control) error
	SendNotification(n frame.Notification) error
	SetWhitelist(apps []frame.App) error
	ShowHomeScreen() error
	ClearDisplay() error
	Restart() error
	Subscribe(buffer int) (<-chan glasses.Event, func())
}

var _ Glasses = (*glasses.Device)(nil)

type Options struct {
	CORSOrigins []string
	// APIToken, when set, is required as a bearer token on every route
	// except /health.
	APIToken string
	// ConnectWait bounds how long POST /v1/connect blocks before answering
	// 202 with the link still coming up.
	ConnectWait time.Duration
	// MaxBitmapBytes caps POST /v1/bitmap bodies.
	MaxBitmapBytes int64
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	device  Glasses
	opts    Options
	router  *gin.Engine
	hub     *Hub
	logger  zerolog.Logger
	httpSrv *http.Server
}

func New(id, addr string, device Glasses, opts Options) *Server {
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = 30 * time.Second
	}
	if opts.MaxBitmapBytes <= 0 {
		opts.MaxBitmapBytes = 1 << 20
	}
	logger := observability.Component("server")

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, "/metrics", "/health"))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	if opts.APIToken != "" {
		r.Use(auth.Require(auth.StaticToken{Token: opts.APIToken}, "/health"))
	}

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		device:   device,
		opts:     opts,
		router:   r,
		hub:      NewHub(),
		logger:   logger,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve runs the listener and the event pump until ctx ends, then shuts
// the listener down.
func (s *Server) Serve(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go s.Pump(pumpCtx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr).Msg("server.listening")
		errc <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Pump forwards device events to websocket clients until ctx ends or the
// device closes its stream.
func (s *Server) Pump(ctx context.Context) {
	events, cancel := s.device.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast(newEnvelope(ev))
		}
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
