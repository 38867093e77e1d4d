package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/smallbiznis/licensegate/internal/authorization"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/internal/testkit"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiverExportsThenDeletesExpiredEvents(t *testing.T) {
	ctx := context.Background()
	env := testkit.New(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	caller := env.Caller(t, "archive@example.com", callerdomain.TierStarter, "")
	license := env.License(t, "Rates")
	sub := env.Subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)

	now := env.Clock.Now()
	env.InsertEvents(t, sub, now.AddDate(0, 0, -45), 3)
	env.InsertEvents(t, sub, now.AddDate(0, 0, -5), 2)

	sink := NewMemorySink()
	archiver := NewArchiver(Params{
		DB:     env.DB,
		Log:    env.Log,
		Clock:  env.Clock,
		Config: env.Config,
		Repo:   repository.Provide(),
		Authz:  env.Authz,
		Sink:   sink,
	})
	require.True(t, archiver.Enabled())

	_, err := archiver.Run(ctx, testkit.Admin)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	result, err := archiver.Run(ctx, authorization.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Exported)
	assert.EqualValues(t, 3, result.Deleted)
	// Batch size is two, so three events span two objects.
	require.Len(t, result.Objects, 2)

	lines := 0
	for _, key := range result.Objects {
		assert.Contains(t, key, "usage-events/2024/04/17/")
		scanner := bufio.NewScanner(bytes.NewReader(sink.Objects[key]))
		for scanner.Scan() {
			var event usagedomain.UsageEvent
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
			assert.Equal(t, sub.ID, event.SubscriptionID)
			lines++
		}
	}
	assert.Equal(t, 3, lines)

	var remaining int64
	require.NoError(t, env.DB.Model(&usagedomain.UsageEvent{}).Count(&remaining).Error)
	assert.EqualValues(t, 2, remaining)
}

func TestArchiverDisabledWithoutSink(t *testing.T) {
	archiver := NewArchiver(Params{})
	assert.False(t, archiver.Enabled())
	result, err := archiver.Run(context.Background(), authorization.SystemActor)
	require.NoError(t, err)
	assert.Zero(t, result.Exported)
}
