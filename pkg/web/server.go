// Package web exposes the operator API: camera state, per-camera
// reset, engine reconfiguration, and a websocket feed of recognition
// updates for dashboards.
package web

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/internal/log"
	"github.com/tablevision/tablesight/pkg/dispatch"
	"github.com/tablevision/tablesight/pkg/hub"
	"github.com/tablevision/tablesight/pkg/pipeline"
)

// Controller is the scheduler surface the API drives.
type Controller interface {
	States() map[string]pipeline.State
	Reset(cameraID string) error
	Reconfigure(cfg config.EngineConfig) error
}

// StatsSource reports push dispatcher counters.
type StatsSource interface {
	Stats() dispatch.Stats
}

// Server is the operator HTTP server.
type Server struct {
	app     *fiber.App
	addr    string
	cfg     config.Config
	ctl     Controller
	stats   StatsSource
	updates *hub.Hub
	logger  *slog.Logger
}

// NewServer wires routes against the given collaborators. The
// updates hub must be running before clients attach.
func NewServer(addr string, cfg config.Config, ctl Controller, stats StatsSource, updates *hub.Hub) *Server {
	s := &Server{
		addr:    addr,
		cfg:     cfg,
		ctl:     ctl,
		stats:   stats,
		updates: updates,
		logger:  log.Component("web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "tablesight",
		DisableStartupMessage: true,
	})

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/cameras", s.handleCameras)
	api.Post("/cameras/:id/reset", s.handleReset)
	api.Post("/engines", s.handleEngines)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleUpdatesWS))

	s.app = app
	return s
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info("operator api listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown stops the server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleUpdatesWS(conn *websocket.Conn) {
	client := hub.NewClient(s.updates, conn)
	client.Run()
}
