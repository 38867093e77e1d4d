package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/authorization"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 5000
	maxBatchesPerRun = 20
	objectKeyPrefix  = "usage-events"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
	Repo   usagedomain.Repository
	Authz  authorization.Service
	Sink   Sink `optional:"true"`
}

// Archiver exports usage events past the retention window to object
// storage and deletes them once the export is stored.
type Archiver struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      usagedomain.Repository
	authz     authorization.Service
	sink      Sink
	retention time.Duration
	batchSize int
}

type Result struct {
	Exported int
	Deleted  int64
	Objects  []string
}

func NewArchiver(p Params) *Archiver {
	batchSize := p.Config.Usage.RetentionBatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		db:        p.DB,
		log:       log.Named("usage.archive"),
		clock:     p.Clock,
		repo:      p.Repo,
		authz:     p.Authz,
		sink:      p.Sink,
		retention: time.Duration(p.Config.Usage.RetentionDays) * 24 * time.Hour,
		batchSize: batchSize,
	}
}

// Enabled reports whether both a sink and a retention window are set.
func (a *Archiver) Enabled() bool {
	return a != nil && a.sink != nil && a.retention > 0
}

func (a *Archiver) Run(ctx context.Context, actor string) (Result, error) {
	var result Result
	if !a.Enabled() {
		return result, nil
	}
	if err := a.authz.Authorize(ctx, actor, authorization.GlobalScope, authorization.ObjectUsage, authorization.ActionUsageArchive); err != nil {
		return result, err
	}

	cutoff := a.clock.Now().UTC().Add(-a.retention)
	for i := 0; i < maxBatchesPerRun; i++ {
		events, err := a.repo.ListOlderThan(ctx, a.db, cutoff, a.batchSize)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			break
		}

		key, body, err := encodeBatch(events)
		if err != nil {
			return result, err
		}
		if err := a.sink.Put(ctx, key, body); err != nil {
			return result, err
		}

		ids := make([]snowflake.ID, 0, len(events))
		for _, event := range events {
			ids = append(ids, event.ID)
		}
		deleted, err := a.repo.DeleteByIDs(ctx, a.db, ids)
		if err != nil {
			return result, err
		}

		result.Exported += len(events)
		result.Deleted += deleted
		result.Objects = append(result.Objects, key)
		a.log.Info("usage events archived",
			zap.String("object", key),
			zap.Int("events", len(events)),
			zap.Time("cutoff", cutoff),
		)

		if len(events) < a.batchSize {
			break
		}
	}
	return result, nil
}

// encodeBatch writes events as JSON lines under a key derived from the
// first event's day and the batch's id range.
func encodeBatch(events []usagedomain.UsageEvent) (string, []byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return "", nil, err
		}
	}
	first, last := events[0], events[len(events)-1]
	key := fmt.Sprintf("%s/%s/%s-%s.jsonl",
		objectKeyPrefix,
		first.Timestamp.UTC().Format("2006/01/02"),
		first.ID.String(),
		last.ID.String(),
	)
	return key, buf.Bytes(), nil
}
