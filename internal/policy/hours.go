package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
)

// TenantSource loads tenant registry rows. *store.DB satisfies it.
type TenantSource interface {
	GetTenant(ctx context.Context, id string) (*core.TenantRecord, error)
}

type hoursCheck struct {
	cfg     *config.Manager
	tenants TenantSource
	now     func() time.Time
}

// HoursCheck denies calls placed outside the tenant's dialing window. The
// window comes from the tenant registry row when one is set there, otherwise
// from per-tenant config overrides, otherwise from the global default.
func HoursCheck(cfg *config.Manager, tenants TenantSource) Check {
	return &hoursCheck{cfg: cfg, tenants: tenants, now: time.Now}
}

func (c *hoursCheck) Name() string { return "business_hours" }

func (c *hoursCheck) Evaluate(ctx context.Context, req *Request) error {
	bh := c.cfg.PolicyFor(req.Principal.TenantID).BusinessHours
	if override := c.tenantWindow(ctx, req.Principal.TenantID); override != nil {
		bh = *override
	}

	within, nextOpen, err := WindowContains(bh, c.now())
	if err != nil {
		return core.NewError(core.ErrInternal, "dialing window could not be evaluated").WithCause(err)
	}
	if within {
		return nil
	}

	details := map[string]any{
		"window_start": bh.Start,
		"window_end":   bh.End,
		"timezone":     bh.Timezone,
	}
	if !nextOpen.IsZero() {
		details["next_open_at"] = nextOpen.Format(time.RFC3339)
	}
	return core.NewErrorf(core.ErrOutsideBusinessHours,
		"calls are only placed between %s and %s %s", bh.Start, bh.End, bh.Timezone).
		WithDetails(details)
}

// tenantWindow reads a business_hours object from the tenant's registry
// settings. Malformed or inverted-without-wrap windows are ignored with a
// warning; a bad row must not widen or lock out the tenant silently.
func (c *hoursCheck) tenantWindow(ctx context.Context, tenantID string) *config.BusinessHours {
	if c.tenants == nil {
		return nil
	}
	t, err := c.tenants.GetTenant(ctx, tenantID)
	if err != nil || t == nil {
		return nil
	}
	raw, ok := t.Settings["business_hours"]
	if !ok {
		return nil
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var bh config.BusinessHours
	if err := json.Unmarshal(buf, &bh); err != nil {
		slog.Warn("Ignoring malformed business_hours in tenant settings", "tenant_id", tenantID, "error", err)
		return nil
	}
	if bh.Start == "" || bh.End == "" {
		return nil
	}

	fallback := c.cfg.PolicyFor(tenantID).BusinessHours
	if bh.Timezone == "" {
		bh.Timezone = fallback.Timezone
	}
	if len(bh.Days) == 0 {
		bh.Days = fallback.Days
	}

	start, err := config.ParseClock(bh.Start)
	if err != nil {
		slog.Warn("Ignoring tenant business_hours with bad start", "tenant_id", tenantID, "start", bh.Start)
		return nil
	}
	end, err := config.ParseClock(bh.End)
	if err != nil {
		slog.Warn("Ignoring tenant business_hours with bad end", "tenant_id", tenantID, "end", bh.End)
		return nil
	}
	if start >= end && !bh.WrapMidnight {
		slog.Warn("Ignoring inverted tenant business_hours without wrap_midnight",
			"tenant_id", tenantID, "start", bh.Start, "end", bh.End)
		return nil
	}
	if _, err := time.LoadLocation(bh.Timezone); err != nil {
		slog.Warn("Ignoring tenant business_hours with unknown timezone", "tenant_id", tenantID, "timezone", bh.Timezone)
		return nil
	}
	return &bh
}

// WindowContains reports whether now falls inside the dialing window and,
// when it does not, when the window opens next. A wrapped window belongs to
// the day it starts on: 19:00 to 18:00 on a Sunday runs into Monday morning
// even if Monday is not a listed day.
func WindowContains(bh config.BusinessHours, now time.Time) (bool, time.Time, error) {
	loc, err := time.LoadLocation(bh.Timezone)
	if err != nil {
		return false, time.Time{}, err
	}
	start, err := config.ParseClock(bh.Start)
	if err != nil {
		return false, time.Time{}, err
	}
	end, err := config.ParseClock(bh.End)
	if err != nil {
		return false, time.Time{}, err
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	wrap := bh.WrapMidnight || start >= end

	within := false
	if !wrap {
		within = dayAllowed(bh.Days, local.Weekday()) && minutes >= start && minutes < end
	} else {
		if minutes >= start {
			within = dayAllowed(bh.Days, local.Weekday())
		} else if minutes < end {
			within = dayAllowed(bh.Days, local.AddDate(0, 0, -1).Weekday())
		}
	}
	if within {
		return true, time.Time{}, nil
	}
	return false, nextOpening(bh.Days, start, local), nil
}

// nextOpening finds the next start-of-window strictly after local, scanning
// at most a week ahead.
func nextOpening(days []int, startMinutes int, local time.Time) time.Time {
	for d := 0; d <= 7; d++ {
		day := local.AddDate(0, 0, d)
		if !dayAllowed(days, day.Weekday()) {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			startMinutes/60, startMinutes%60, 0, 0, local.Location())
		if candidate.After(local) {
			return candidate
		}
	}
	return time.Time{}
}

// dayAllowed treats an empty day list as every day.
func dayAllowed(days []int, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, day := range days {
		if day == int(d) {
			return true
		}
	}
	return false
}
