package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accessdomain "github.com/smallbiznis/licensegate/internal/access/domain"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
)

const minuteWindow = time.Minute

// evaluation carries one request through the pipeline. now is captured once
// and every window is derived from it.
type evaluation struct {
	req accessdomain.AccessRequest
	now time.Time

	subscription *subscriptiondomain.Subscription
	license      *licensedomain.License
	location     *time.Location
	windows      usagedomain.Windows
	counts       usagedomain.WindowCounts

	cost  pricing.Amount
	basis pricing.Basis
}

// check is one step of the pipeline. A non-nil denial stops evaluation; an
// error is a store fault and denies with STORE_UNAVAILABLE.
type check struct {
	name string
	run  func(ctx context.Context, ev *evaluation) (*accessdomain.Denial, error)
}

func (s *Service) pipeline() []check {
	return []check{
		{name: "subscription", run: s.checkSubscription},
		{name: "expiry", run: checkExpiry},
		{name: "record_limit", run: checkRecordLimit},
		{name: "historical_access", run: checkHistoricalAccess},
		{name: "usage_windows", run: s.loadUsage},
		{name: "daily_limit", run: checkDailyLimit},
		{name: "monthly_limit", run: checkMonthlyLimit},
		{name: "minute_limit", run: s.checkMinuteLimit},
		{name: "cost", run: checkCost},
	}
}

func (s *Service) checkSubscription(ctx context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	sub, err := s.subscriptionSvc.GetActive(ctx, ev.req.CallerID, ev.req.DatasetID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return deny(accessdomain.CodeNoSubscription, "No active subscription to this dataset", nil), nil
	}
	if err != nil {
		return nil, err
	}
	license, err := s.licenseSvc.GetByID(ctx, sub.LicenseID)
	if err != nil {
		return nil, err
	}
	ev.subscription = sub
	ev.license = license
	return nil, nil
}

func checkExpiry(_ context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	if end := ev.subscription.EndDate; end != nil && end.Before(ev.now) {
		return deny(accessdomain.CodeSubscriptionExpired, "Subscription has expired", nil), nil
	}
	return nil, nil
}

func checkRecordLimit(_ context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	if max := ev.license.MaxRecordsPerRequest; ev.req.RequestedRecords > max {
		return deny(accessdomain.CodeRecordLimitExceeded,
			fmt.Sprintf("Requested records (%d) exceeds limit (%d)", ev.req.RequestedRecords, max), nil), nil
	}
	return nil, nil
}

func checkHistoricalAccess(_ context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	days := ev.license.HistoricalAccessDays
	if days == nil || ev.req.Since == nil {
		return nil, nil
	}
	earliest := ev.now.AddDate(0, 0, -*days)
	if ev.req.Since.Before(earliest) {
		return deny(accessdomain.CodeHistoricalAccessLimited,
			fmt.Sprintf("License allows %d days of history", *days), nil), nil
	}
	return nil, nil
}

// loadUsage counts the three windows in one store read.
func (s *Service) loadUsage(ctx context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	loc, err := s.callerLocation(ctx, ev.req.CallerID)
	if err != nil {
		return nil, err
	}
	ev.location = loc
	ev.windows = windowsAt(ev.now, loc)
	ev.counts, err = s.usage.CountWindows(ctx, ev.req.CallerID, ev.req.DatasetID, ev.windows)
	return nil, err
}

func checkDailyLimit(_ context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	if ev.counts.Day >= ev.license.RateLimitPerDay {
		reset := nextDay(ev.windows.DayStart, ev.location)
		return deny(accessdomain.CodeDailyLimitExceeded, "Daily API call limit exceeded", &reset), nil
	}
	return nil, nil
}

func checkMonthlyLimit(_ context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	if ev.counts.Month >= ev.license.RateLimitPerMonth {
		reset := nextMonth(ev.windows.MonthStart, ev.location)
		return deny(accessdomain.CodeMonthlyLimitExceeded, "Monthly API call limit exceeded", &reset), nil
	}
	return nil, nil
}

// checkMinuteLimit applies the trailing sixty-second window. The window
// frees up when its oldest event ages out.
func (s *Service) checkMinuteLimit(ctx context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	if ev.counts.Minute < ev.license.RateLimitPerMinute {
		return nil, nil
	}
	reset := ev.windows.MinuteStart.Add(minuteWindow)
	oldest, err := s.usage.OldestSince(ctx, ev.req.CallerID, ev.req.DatasetID, ev.windows.MinuteStart)
	if err != nil {
		return nil, err
	}
	if oldest != nil {
		reset = oldest.Add(minuteWindow)
	}
	return deny(accessdomain.CodeRateLimitExceeded, "Rate limit exceeded (requests per minute)", &reset), nil
}

func checkCost(_ context.Context, ev *evaluation) (*accessdomain.Denial, error) {
	ev.cost, ev.basis = pricing.Cost(ev.license.Rates(), ev.req.RequestedRecords)
	return nil, nil
}

func deny(code, reason string, retryAfter *time.Time) *accessdomain.Denial {
	return &accessdomain.Denial{Code: code, Reason: reason, RetryAfter: retryAfter}
}

func (s *Service) callerLocation(ctx context.Context, callerID snowflake.ID) (*time.Location, error) {
	caller, err := s.callerSvc.GetByID(ctx, callerID)
	if errors.Is(err, callerdomain.ErrCallerNotFound) {
		return time.UTC, nil
	}
	if err != nil {
		return nil, err
	}
	return caller.Location(), nil
}

// windowsAt derives the window starts for now. Day and month follow the
// caller's zone; the minute window trails now.
func windowsAt(now time.Time, loc *time.Location) usagedomain.Windows {
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return usagedomain.Windows{
		DayStart:    dayStart.UTC(),
		MonthStart:  monthStart.UTC(),
		MinuteStart: now.Add(-minuteWindow).UTC(),
	}
}

func nextDay(dayStart time.Time, loc *time.Location) time.Time {
	local := dayStart.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).UTC()
}

func nextMonth(monthStart time.Time, loc *time.Location) time.Time {
	local := monthStart.In(loc)
	return time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc).UTC()
}
