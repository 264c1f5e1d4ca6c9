package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"instapilot/internal/schedule"
	logx "instapilot/pkg/logx"
)

// ScheduleUpdate is the bus payload for schedule.updated.
type ScheduleUpdate struct {
	Enabled     bool `json:"enabled"`
	EnabledDays int  `json:"enabled_days"`
}

// LoadSchedule returns the persisted weekly schedule, normalized. A store
// that has never been written yields schedule.Default() and a zero
// updated-at, so consumers can tell "defaults" from "saved".
func (s *Service) LoadSchedule(ctx context.Context) (schedule.Config, time.Time, error) {
	payload, updatedAt, ok, err := s.store.GetScheduleConfig(ctx)
	if err != nil {
		return schedule.Config{}, time.Time{}, err
	}
	if !ok {
		return schedule.Default(), time.Time{}, nil
	}
	var cfg schedule.Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return schedule.Config{}, time.Time{}, fmt.Errorf("stored schedule config: %w", err)
	}
	cfg.Normalize()
	return cfg, updatedAt, nil
}

// SaveSchedule normalizes, validates and persists a weekly schedule,
// returning the canonical form that was stored. Takes effect on the next
// tick; no cron rebuild is needed.
func (s *Service) SaveSchedule(ctx context.Context, cfg schedule.Config, now time.Time) (schedule.Config, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return schedule.Config{}, err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return schedule.Config{}, err
	}
	if err := s.store.PutScheduleConfig(ctx, payload, now); err != nil {
		return schedule.Config{}, err
	}

	enabledDays := 0
	for _, day := range cfg.Schedule {
		if day.Enabled {
			enabledDays++
		}
	}
	s.log.Info("schedule saved",
		logx.Bool("enabled", cfg.Enabled),
		logx.Int("enabled_days", enabledDays))
	s.emit("schedule.updated", ScheduleUpdate{Enabled: cfg.Enabled, EnabledDays: enabledDays})
	return cfg, nil
}

// SetEnabled flips the global automation switch without touching the
// stored days.
func (s *Service) SetEnabled(ctx context.Context, enabled bool, now time.Time) (schedule.Config, error) {
	cfg, _, err := s.LoadSchedule(ctx)
	if err != nil {
		return schedule.Config{}, err
	}
	cfg.Enabled = enabled
	return s.SaveSchedule(ctx, cfg, now)
}
