package mgmt

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/storyforge/epicsync/internal/config"
	"github.com/storyforge/epicsync/internal/health"
	"github.com/storyforge/epicsync/internal/monitor"
)

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	monitor   *monitor.Monitor
	checker   *health.Checker
	cfgStore  *config.Store
	logs      *LogBuffer
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(mon *monitor.Monitor, checker *health.Checker, cfgStore *config.Store, logs *LogBuffer, logger zerolog.Logger) *Handlers {
	return &Handlers{
		monitor:   mon,
		checker:   checker,
		cfgStore:  cfgStore,
		logs:      logs,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	parents := h.monitor.Status()
	return c.JSON(StatusResponse{
		Running:       h.monitor.Running(),
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		ParentCount:   len(parents),
		Parents:       parents,
		Time:          time.Now().UTC(),
	})
}

// StartMonitor handles POST /api/v1/monitor/start.
func (h *Handlers) StartMonitor(c *fiber.Ctx) error {
	if h.monitor.Running() {
		return problemResponse(c, fiber.StatusConflict,
			"already_running", "Conflict",
			"Monitor is already running")
	}

	go func() {
		if err := h.monitor.Start(context.Background()); err != nil {
			h.logger.Error().Err(err).Msg("monitor exited with error")
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "starting"})
}

// StopMonitor handles POST /api/v1/monitor/stop. Blocks until in-flight
// syncs drain.
func (h *Handlers) StopMonitor(c *fiber.Ctx) error {
	if !h.monitor.Running() {
		return problemResponse(c, fiber.StatusConflict,
			"not_running", "Conflict",
			"Monitor is not running")
	}
	h.monitor.Stop()
	return c.JSON(fiber.Map{"status": "stopped"})
}

// AddParent handles POST /api/v1/parents/:id.
func (h *Handlers) AddParent(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_parent_id", "Bad Request",
			"Parent id is required")
	}

	registered := h.monitor.AddParent(c.Context(), id)
	resp := ParentResponse{ParentID: id, Registered: registered}
	if !registered {
		resp.Message = "parent already registered or initial snapshot failed; it stays registered and will be retried"
	}
	return c.JSON(resp)
}

// RemoveParent handles DELETE /api/v1/parents/:id.
func (h *Handlers) RemoveParent(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.monitor.RemoveParent(id) {
		return problemResponse(c, fiber.StatusNotFound,
			"parent_not_found", "Not Found",
			"Parent "+id+" is not registered")
	}
	return c.JSON(ParentResponse{ParentID: id, Registered: false, Message: "removed"})
}

// ForceCheck handles POST /api/v1/check. An optional ?parent= query scopes
// the check to one id.
func (h *Handlers) ForceCheck(c *fiber.Ctx) error {
	parentID := c.Query("parent")
	results := h.monitor.RunOnce(c.Context(), parentID)
	if parentID != "" && len(results) == 0 {
		return problemResponse(c, fiber.StatusNotFound,
			"parent_not_found", "Not Found",
			"Parent "+parentID+" is not registered")
	}
	return c.JSON(CheckResponse{Results: results})
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	return c.JSON(h.cfgStore.Get())
}

// PatchConfig handles PATCH /api/v1/config.
func (h *Handlers) PatchConfig(c *fiber.Ctx) error {
	updated, err := h.cfgStore.Patch(c.Body())
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_config_patch", "Bad Request",
			err.Error())
	}
	h.logger.Info().Msg("monitor configuration updated")
	return c.JSON(updated)
}

// GetLogs handles GET /api/v1/logs with an optional ?n= line count.
func (h *Handlers) GetLogs(c *fiber.Ctx) error {
	n := 100
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_line_count", "Bad Request",
				"Query parameter n must be a non-negative integer")
		}
		n = parsed
	}

	lines := h.logs.Recent(n)
	return c.JSON(LogsResponse{Lines: lines, Count: len(lines)})
}
