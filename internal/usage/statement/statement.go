package statement

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	marotoconfig "github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/licensegate/internal/authorization"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Authz     authorization.Service
	CallerSvc callerdomain.Service
	Analytics usagedomain.Analytics
}

// Generator renders a caller's usage over a period as a PDF statement.
type Generator struct {
	log       *zap.Logger
	authz     authorization.Service
	callerSvc callerdomain.Service
	analytics usagedomain.Analytics
}

func NewGenerator(p Params) *Generator {
	return &Generator{
		log:       p.Log.Named("usage.statement"),
		authz:     p.Authz,
		callerSvc: p.CallerSvc,
		analytics: p.Analytics,
	}
}

// Generate returns the PDF bytes. Callers may only request their own
// statement.
func (g *Generator) Generate(ctx context.Context, actor string, callerID snowflake.ID, from, to time.Time) ([]byte, error) {
	if callerID == 0 {
		return nil, usagedomain.ErrInvalidCaller
	}
	if err := g.authz.Authorize(ctx, actor, authorization.GlobalScope, authorization.ObjectUsage, authorization.ActionUsageStatement); err != nil {
		return nil, err
	}
	if owner, ok := authorization.CallerFromActor(actor); ok && owner != callerID {
		return nil, authorization.ErrForbidden
	}

	caller, err := g.callerSvc.GetByID(ctx, callerID)
	if err != nil {
		return nil, err
	}
	summary, err := g.analytics.CallerSummary(ctx, callerID, from, to)
	if err != nil {
		return nil, err
	}

	doc, err := render(caller, summary)
	if err != nil {
		return nil, err
	}
	g.log.Info("usage statement generated",
		zap.String("caller_id", callerID.String()),
		zap.Time("from", summary.Period.Start),
		zap.Time("to", summary.Period.End),
		zap.Int("bytes", len(doc)),
	)
	return doc, nil
}

func render(caller *callerdomain.Caller, summary *usagedomain.CallerSummary) ([]byte, error) {
	cfg := marotoconfig.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Usage statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, summary.Period.Start.Format(time.DateOnly)+" to "+summary.Period.End.Format(time.DateOnly), props.Text{
			Size:  9,
			Align: align.Right,
			Top:   4,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New(displayName(caller), props.Text{Style: fontstyle.Bold}),
			text.New(caller.Email, props.Text{Top: 5}),
			text.New("Tier: "+string(caller.Tier), props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New("Total calls: "+fmt.Sprintf("%d", summary.Summary.TotalAPICalls), props.Text{Align: align.Right}),
			text.New("Records accessed: "+fmt.Sprintf("%d", summary.Summary.TotalRecordsAccessed), props.Text{Top: 5, Align: align.Right}),
			text.New("Total cost: "+summary.Summary.TotalCost.String(), props.Text{Top: 10, Align: align.Right, Style: fontstyle.Bold}),
		),
	)

	m.AddRow(10,
		text.NewCol(5, "Dataset", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Calls", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Records", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(1, "Errors", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Cost", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, dataset := range summary.Datasets {
		name := dataset.Name
		if name == "" {
			name = dataset.DatasetID.String()
		}
		m.AddRow(8,
			text.NewCol(5, name, props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%d", dataset.APICalls), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%d", dataset.RecordsAccessed), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(1, fmt.Sprintf("%.1f%%", dataset.ErrorRate), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, dataset.Cost.String(), props.Text{Size: 9, Align: align.Right}),
		)
	}

	if len(summary.TopEndpoints) > 0 {
		m.AddRow(12,
			text.NewCol(12, "Top endpoints", props.Text{Style: fontstyle.Bold, Size: 11, Top: 4}),
		)
		for _, endpoint := range summary.TopEndpoints {
			m.AddRow(6,
				text.NewCol(10, endpoint.Endpoint, props.Text{Size: 9}),
				text.NewCol(2, fmt.Sprintf("%d", endpoint.Calls), props.Text{Size: 9, Align: align.Right}),
			)
		}
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func displayName(caller *callerdomain.Caller) string {
	if caller.Name != "" {
		return caller.Name
	}
	return caller.Email
}
