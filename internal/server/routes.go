package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/glasslink/internal/coordinator"
	"github.com/danmuck/glasslink/internal/flow"
	"github.com/danmuck/glasslink/internal/glasses"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/render"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var controlKinds = map[string]glasses.ControlKind{
	"brightness": glasses.ControlBrightness,
	"headup":     glasses.ControlHeadUpAngle,
	"mic":        glasses.ControlMicrophone,
	"heartbeat":  glasses.ControlHeartbeat,
	"battery":    glasses.ControlBattery,
	"wear":       glasses.ControlWearDetection,
	"silent":     glasses.ControlSilentMode,
}

type connectRequest struct {
	Identity protocol.PairingIdentity `json:"identity"`
}

type textRequest struct {
	Layout string `json:"layout"`
	Text   string `json:"text"`
	Right  string `json:"right"`
}

type notificationRequest struct {
	ID          int    `json:"id"`
	AppID       string `json:"app_id"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Message     string `json:"message" binding:"required"`
	DisplayName string `json:"display_name"`
}

type whitelistRequest struct {
	Apps []frame.App `json:"apps"`
}

type controlRequest struct {
	Value   int  `json:"value"`
	Auto    bool `json:"auto"`
	Enabled bool `json:"enabled"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": "0.1.0",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.device.Status())
	})
	v1.POST("/connect", s.handleConnect)
	v1.POST("/disconnect", func(c *gin.Context) {
		s.device.Disconnect()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1.GET("/discover", func(c *gin.Context) {
		ids, err := s.device.Discover(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"identities": ids})
	})
	v1.DELETE("/pairing", func(c *gin.Context) {
		if err := s.device.ForgetPairing(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1.POST("/text", s.handleText)
	v1.POST("/bitmap", s.handleBitmap)
	v1.POST("/clear", func(c *gin.Context) {
		s.queued(c, s.device.ClearDisplay())
	})
	v1.POST("/home", func(c *gin.Context) {
		s.queued(c, s.device.ShowHomeScreen())
	})
	v1.POST("/restart", func(c *gin.Context) {
		s.queued(c, s.device.Restart())
	})
	v1.POST("/notification", s.handleNotification)
	v1.PUT("/whitelist", s.handleWhitelist)
	v1.POST("/control/:name", s.handleControl)
	v1.GET("/events", s.handleEvents)
}

// handleConnect waits up to ConnectWait for both arms. A link still coming
// up answers 202; it keeps trying in the background.
func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.ConnectWait)
	defer cancel()

	err := s.device.Connect(ctx, req.Identity)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, s.device.Status())
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusAccepted, s.device.Status())
	default:
		s.fail(c, err)
	}
}

func (s *Server) handleText(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	layout, err := render.ParseLayout(req.Layout)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.queued(c, s.device.SendText(layout, req.Text, req.Right))
}

func (s *Server) handleBitmap(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBitmapBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	s.queued(c, s.device.SendBitmap(body))
}

func (s *Server) handleNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.queued(c, s.device.SendNotification(frame.Notification{
		ID:          req.ID,
		AppID:       req.AppID,
		Title:       req.Title,
		Subtitle:    req.Subtitle,
		Message:     req.Message,
		DisplayName: req.DisplayName,
	}))
}

func (s *Server) handleWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, app := range req.Apps {
		if app.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "whitelist app without id"})
			return
		}
	}
	s.queued(c, s.device.SetWhitelist(req.Apps))
}

func (s *Server) handleControl(c *gin.Context) {
	kind, ok := controlKinds[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown control " + c.Param("name")})
		return
	}
	var req controlRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.queued(c, s.device.SendControl(c.Request.Context(), glasses.Control{
		Kind:    kind,
		Value:   req.Value,
		Auto:    req.Auto,
		Enabled: req.Enabled,
	}))
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("server.websocket upgrade failed")
		return
	}
	s.hub.Add(conn)
	defer s.hub.Remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// queued answers a send route. Sends only report whether the request was
// queued.
func (s *Server) queued(c *gin.Context, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, render.ErrUnknownLayout),
		errors.Is(err, render.ErrInvalidBitmap),
		errors.Is(err, coordinator.ErrInvalidHint),
		errors.Is(err, glasses.ErrUnknownControl),
		errors.Is(err, frame.ErrChunkOverflow),
		errors.Is(err, frame.ErrFrameTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrPermanentBondFailure):
		status = http.StatusBadGateway
	case errors.Is(err, glasses.ErrClosed),
		errors.Is(err, coordinator.ErrClosed),
		errors.Is(err, flow.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("server.request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
