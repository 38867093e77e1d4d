package statement

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/licensegate/internal/authorization"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/internal/testkit"
	"github.com/smallbiznis/licensegate/internal/usage/reconcile"
	"github.com/smallbiznis/licensegate/internal/usage/repository"
	"github.com/smallbiznis/licensegate/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateStatement(t *testing.T) {
	ctx := context.Background()
	env := testkit.New(t, time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC))
	caller := env.Caller(t, "analyst@example.com", callerdomain.TierProfessional, "")
	other := env.Caller(t, "other@example.com", callerdomain.TierStarter, "")
	license := env.License(t, "Fundamentals")
	sub := env.Subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)
	env.InsertEvents(t, sub, env.Clock.Now().Add(-time.Hour), 4)

	usageSvc := service.NewService(service.ServiceParam{
		DB:               env.DB,
		Log:              env.Log,
		GenID:            env.Node,
		Clock:            env.Clock,
		Config:           env.Config,
		Repo:             repository.Provide(),
		SubscriptionRepo: env.SubscriptionRepo,
		CallerRepo:       env.CallerRepo,
		LicenseSvc:       env.LicenseSvc,
		DatasetSvc:       env.DatasetSvc,
		Queue:            reconcile.NewMemoryQueue(),
	})
	generator := NewGenerator(Params{
		Log:       env.Log,
		Authz:     env.Authz,
		CallerSvc: env.CallerSvc,
		Analytics: usageSvc,
	})

	doc, err := generator.Generate(ctx, authorization.CallerActor(caller.ID), caller.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("%PDF")))

	_, err = generator.Generate(ctx, authorization.CallerActor(other.ID), caller.ID, time.Time{}, time.Time{})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	_, err = generator.Generate(ctx, testkit.Admin, caller.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
}
