package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"go.uber.org/zap"
)

const (
	topEndpointsLimit = 10
	topCallersLimit   = 10
)

func (s *Service) CallerSummary(ctx context.Context, callerID snowflake.ID, from, to time.Time) (*usagedomain.CallerSummary, error) {
	if callerID == 0 {
		return nil, usagedomain.ErrInvalidCaller
	}
	period, err := s.period(from, to)
	if err != nil {
		return nil, err
	}

	totals, err := s.repo.CallerTotals(ctx, s.db, callerID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.CallerByDataset(ctx, s.db, callerID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	endpoints, err := s.repo.TopEndpoints(ctx, s.db, callerID, period.Start, period.End, topEndpointsLimit)
	if err != nil {
		return nil, err
	}

	summary := &usagedomain.CallerSummary{
		Period: period,
		Summary: usagedomain.SummaryTotals{
			TotalAPICalls:         totals.APICalls,
			TotalRecordsAccessed:  totals.RecordsAccessed,
			TotalCost:             totals.Cost,
			AverageResponseTimeMs: ratio(totals.ResponseTimeTotal, totals.APICalls),
		},
		Datasets:     make([]usagedomain.DatasetUsage, 0, len(rows)),
		TopEndpoints: make([]usagedomain.EndpointUsage, 0, len(endpoints)),
	}
	for _, row := range rows {
		usage := usagedomain.DatasetUsage{
			DatasetID:             row.DatasetID,
			APICalls:              row.APICalls,
			RecordsAccessed:       row.RecordsAccessed,
			Cost:                  row.Cost,
			AverageResponseTimeMs: ratio(row.ResponseTimeTotal, row.APICalls),
			ErrorRate:             ratio(row.Errors*100, row.APICalls),
		}
		if s.datasetSvc != nil {
			if dataset, err := s.datasetSvc.GetByID(ctx, row.DatasetID); err == nil {
				usage.Name = dataset.Name
				usage.Slug = dataset.Slug
			} else {
				s.log.Debug("dataset lookup failed for usage summary", zap.String("dataset_id", row.DatasetID.String()), zap.Error(err))
			}
		}
		summary.Datasets = append(summary.Datasets, usage)
	}
	for _, endpoint := range endpoints {
		summary.TopEndpoints = append(summary.TopEndpoints, usagedomain.EndpointUsage{Endpoint: endpoint.Endpoint, Calls: endpoint.Calls})
	}
	return summary, nil
}

func (s *Service) DatasetAnalytics(ctx context.Context, datasetID snowflake.ID, from, to time.Time) (*usagedomain.DatasetAnalytics, error) {
	if datasetID == 0 {
		return nil, usagedomain.ErrInvalidDataset
	}
	if from.IsZero() && !to.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	if from.IsZero() {
		from = s.clock.Now().AddDate(0, 0, -30)
	}
	period, err := s.period(from, to)
	if err != nil {
		return nil, err
	}

	totals, uniqueCallers, err := s.repo.DatasetTotals(ctx, s.db, datasetID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	top, err := s.repo.TopCallers(ctx, s.db, datasetID, period.Start, period.End, topCallersLimit)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListForDataset(ctx, s.db, datasetID, period.Start, period.End)
	if err != nil {
		return nil, err
	}

	analytics := &usagedomain.DatasetAnalytics{
		DatasetID: datasetID,
		Period:    period,
		Summary: usagedomain.DatasetTotals{
			TotalAPICalls:         totals.APICalls,
			TotalRecordsAccessed:  totals.RecordsAccessed,
			TotalRevenue:          totals.Cost,
			UniqueCallers:         uniqueCallers,
			AverageResponseTimeMs: ratio(totals.ResponseTimeTotal, totals.APICalls),
			ErrorRate:             ratio(totals.Errors*100, totals.APICalls),
		},
		TopCallers: make([]usagedomain.CallerRevenue, 0, len(top)),
		DailyTrend: dailyTrend(events),
	}
	for _, row := range top {
		analytics.TopCallers = append(analytics.TopCallers, usagedomain.CallerRevenue{
			CallerID:        row.CallerID,
			APICalls:        row.APICalls,
			RecordsAccessed: row.RecordsAccessed,
			Revenue:         row.Revenue,
		})
	}
	return analytics, nil
}

func (s *Service) ListForCaller(ctx context.Context, callerID snowflake.ID, from, to time.Time) ([]usagedomain.UsageEvent, error) {
	if callerID == 0 {
		return nil, usagedomain.ErrInvalidCaller
	}
	period, err := s.period(from, to)
	if err != nil {
		return nil, err
	}
	return s.repo.ListForCaller(ctx, s.db, callerID, period.Start, period.End)
}

// period fills defaults: the current UTC month up to now.
func (s *Service) period(from, to time.Time) (usagedomain.Period, error) {
	now := s.clock.Now().UTC()
	if from.IsZero() {
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if to.IsZero() {
		to = now
	}
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return usagedomain.Period{}, usagedomain.ErrInvalidPeriod
	}
	return usagedomain.Period{Start: from, End: to}, nil
}

// dailyTrend buckets events by UTC calendar day, in order.
func dailyTrend(events []usagedomain.UsageEvent) []usagedomain.DailyUsage {
	trend := make([]usagedomain.DailyUsage, 0)
	index := map[string]int{}
	for _, event := range events {
		day := event.Timestamp.UTC().Format(time.DateOnly)
		i, ok := index[day]
		if !ok {
			i = len(trend)
			index[day] = i
			trend = append(trend, usagedomain.DailyUsage{Date: day})
		}
		trend[i].APICalls++
		trend[i].Revenue += event.CostAmount
	}
	return trend
}

func ratio(total, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}
