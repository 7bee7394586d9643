package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tablevision/tablesight/pkg/scheduler"
)

// cameraView is a camera config with credentials redacted.
type cameraView struct {
	ID        string `json:"id"`
	TableID   string `json:"table_id,omitempty"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Enabled   bool   `json:"enabled"`
	Marked    int    `json:"marked_positions"`
	Positions int    `json:"total_positions"`
}

// handleStatus reports per-camera pipeline state plus dispatcher
// counters.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"cameras":           s.ctl.States(),
		"push":              s.stats.Stats(),
		"dashboard_clients": s.updates.ClientCount(),
	})
}

// handleCameras lists configured cameras without credentials.
func (s *Server) handleCameras(c *fiber.Ctx) error {
	views := make([]cameraView, 0, len(s.cfg.Cameras))
	for _, cam := range s.cfg.Cameras {
		marked := 0
		for _, pos := range cam.Positions {
			if pos.Marked {
				marked++
			}
		}
		views = append(views, cameraView{
			ID:        cam.ID,
			TableID:   cam.TableID,
			IP:        cam.IP,
			Port:      cam.Port,
			Enabled:   cam.Enabled,
			Marked:    marked,
			Positions: len(cam.Positions),
		})
	}
	return c.JSON(views)
}

// handleReset clears a failed camera so it schedules again.
func (s *Server) handleReset(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.ctl.Reset(id); err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, scheduler.ErrUnknownCamera) {
			status = fiber.StatusNotFound
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	s.logger.Info("camera reset requested", "camera", id)
	return c.JSON(fiber.Map{"camera": id, "reset": true})
}

// handleEngines swaps engine selection at runtime. The change takes
// effect from each camera's next cycle.
func (s *Server) handleEngines(c *fiber.Ctx) error {
	// Fields the request omits keep their configured values.
	req := s.cfg.Engines
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.ctl.Reconfigure(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"default_engine":  req.DefaultEngine,
		"fallback_engine": req.FallbackEngine,
	})
}
