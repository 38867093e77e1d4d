package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/licensegate/internal/audit/domain"
	"github.com/smallbiznis/licensegate/internal/audit/repository"
	"github.com/smallbiznis/licensegate/internal/clock"
	obscontext "github.com/smallbiznis/licensegate/internal/observability/context"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: fc, Repo: repository.Provide()})
	return svc, fc
}

func TestRecordCarriesRequestContext(t *testing.T) {
	svc, _ := setup(t)
	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithCallerID(ctx, "42")

	require.NoError(t, svc.Record(ctx, auditdomain.Entry{
		Actor:      "admin:1",
		Action:     "subscription.suspend",
		TargetType: auditdomain.TargetSubscription,
		TargetID:   "99",
		Metadata:   map[string]any{"reason": "chargeback", "": "dropped"},
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetID: "99"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	entry := resp.AuditLogs[0]
	assert.Equal(t, "admin:1", entry.Actor)
	require.NotNil(t, entry.RequestID)
	assert.Equal(t, "req-1", *entry.RequestID)
	assert.Equal(t, "chargeback", entry.Metadata["reason"])
	assert.Equal(t, "42", entry.Metadata["caller_id"])
	assert.NotContains(t, entry.Metadata, "")
}

func TestRecordRequiresAction(t *testing.T) {
	svc, _ := setup(t)
	err := svc.Record(context.Background(), auditdomain.Entry{Actor: "system", Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPagesNewestFirst(t *testing.T) {
	svc, fc := setup(t)
	ctx := context.Background()
	for _, action := range []string{"subscription.create", "subscription.suspend", "subscription.reinstate"} {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{Actor: "system", Action: action, TargetType: auditdomain.TargetSubscription, TargetID: "7"}))
		fc.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, "subscription.reinstate", first.AuditLogs[0].Action)
	assert.Equal(t, "subscription.suspend", first.AuditLogs[1].Action)

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: first.PageInfo.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, "subscription.create", second.AuditLogs[0].Action)

	filtered, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "subscription.suspend"})
	require.NoError(t, err)
	assert.Len(t, filtered.AuditLogs, 1)
}

func TestListRejectsBadInput(t *testing.T) {
	svc, fc := setup(t)
	ctx := context.Background()

	_, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := fc.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
