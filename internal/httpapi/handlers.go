package httpapi

import (
	"bytes"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"

	"instapilot/internal/queue"
	"instapilot/internal/schedule"
	"instapilot/internal/sweep"
)

type configRequest struct {
	Enabled  bool                            `json:"enabled"`
	Schedule map[string]schedule.DaySchedule `json:"schedule"`
}

type autofillRequest struct {
	Days int `json:"days"`
}

type syncRequest struct {
	Limit      int `json:"limit"`
	MaxSeconds int `json:"max_seconds"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ok",
		"version":    s.cfg.Version,
		"started_at": s.startedAt,
		"started":    humanize.Time(s.startedAt),
		"timezone":   s.sched.Location().String(),
	})
}

func (s *Server) handleScheduler(c *fiber.Ctx) error {
	snap, err := s.sched.Snapshot(c.UserContext(), s.now())
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

// handleSaveConfig accepts {"enabled": bool} alone to flip automation
// without touching the weekly template, or a full schedule replacing
// it. The canonical (normalized) config comes back either way.
func (s *Server) handleSaveConfig(c *fiber.Ctx) error {
	var req configRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	var (
		cfg schedule.Config
		err error
	)
	if req.Schedule == nil {
		cfg, err = s.sched.SetEnabled(c.UserContext(), req.Enabled, s.now())
	} else {
		cfg, err = s.sched.SaveSchedule(c.UserContext(), schedule.Config{
			Enabled:  req.Enabled,
			Schedule: req.Schedule,
		}, s.now())
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"saved": true, "config": cfg})
}

func (s *Server) handleQueueAdd(c *fiber.Ctx) error {
	var req queue.AddRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	item, warning, err := s.sched.AddQueue(c.UserContext(), req, s.now())
	if err != nil {
		return err
	}
	resp := fiber.Map{"item": item}
	if warning != "" {
		resp["warning"] = warning
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (s *Server) handleQueueRemove(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid entry id")
	}
	if err := s.sched.RemoveQueue(c.UserContext(), int64(id)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true, "id": id})
}

func (s *Server) handleAutoFill(c *fiber.Ctx) error {
	var req autofillRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}
	res, err := s.sched.AutoFill(c.UserContext(), req.Days, s.now())
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) handleRunNow(c *fiber.Ctx) error {
	rep, err := s.sched.RunNow(c.UserContext(), s.now())
	if err != nil {
		return err
	}
	return c.JSON(rep)
}

func (s *Server) handleSync(c *fiber.Ctx) error {
	var req syncRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}
	rep := s.sched.Sync(c.UserContext(),
		sweep.ClampLimit(req.Limit),
		sweep.ClampElapsed(time.Duration(req.MaxSeconds)*time.Second))
	return c.JSON(rep)
}

// parseOptionalBody fills out from the request body when one is
// present. POSTs like run/autofill/sync work with no body at all, so
// an empty payload is not an error.
func parseOptionalBody(c *fiber.Ctx, out any) error {
	if len(bytes.TrimSpace(c.Body())) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	return nil
}
