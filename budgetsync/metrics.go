// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsync

import (
	"context"
	"time"

	"github.com/mobiletoly/go-budgetsync/budget"
)

const (
	MetricsOpCreate = "create"
	MetricsOpUpdate = "update"
	MetricsOpDelete = "delete"
	MetricsOpGet    = "get"
	MetricsOpList   = "list"
)

// OpTiming is one completed service call.
type OpTiming struct {
	Operation  string
	EntityType budget.EntityType
	Duration   time.Duration
	Count      int // rows returned by list, 1 otherwise
	Error      bool
}

type MetricsRecorder interface {
	ObserveOp(ctx context.Context, timing OpTiming)
}

type MetricsRecorderFunc func(ctx context.Context, timing OpTiming)

func (f MetricsRecorderFunc) ObserveOp(ctx context.Context, timing OpTiming) {
	f(ctx, timing)
}

func (s *Service) timingEnabled() bool {
	if s == nil || s.config == nil {
		return false
	}
	return s.config.Metrics != nil || s.config.LogTimings
}

func (s *Service) opStart() time.Time {
	if !s.timingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *Service) observeOp(ctx context.Context, op string, kind budget.EntityType, start time.Time, count int, err error) {
	if start.IsZero() {
		return
	}

	timing := OpTiming{
		Operation:  op,
		EntityType: kind,
		Duration:   time.Since(start),
		Count:      count,
		Error:      err != nil,
	}
	if s.config.Metrics != nil {
		s.config.Metrics.ObserveOp(ctx, timing)
	}
	if s.config.LogTimings && s.logger != nil {
		s.logger.Debug("Op timing",
			"op", timing.Operation,
			"entity_type", timing.EntityType,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}

func entityTypeOf(e budget.Entity) budget.EntityType {
	if e == nil {
		return ""
	}
	return e.EntityType()
}
