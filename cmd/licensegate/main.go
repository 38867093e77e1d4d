// Command licensegate serves the dataset access and metering API and
// carries the operator commands that act on the same stores.
//
// Usage:
//
//	licensegate serve
//	licensegate job renew_subscriptions
//	licensegate subscription suspend 1791234567890 --reason "chargeback"
//	licensegate cache invalidate --data-type static_data
package main

import (
	"context"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/access"
	"github.com/smallbiznis/licensegate/internal/audit"
	"github.com/smallbiznis/licensegate/internal/authorization"
	"github.com/smallbiznis/licensegate/internal/cache"
	"github.com/smallbiznis/licensegate/internal/caller"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/dataset"
	"github.com/smallbiznis/licensegate/internal/license"
	"github.com/smallbiznis/licensegate/internal/migration"
	"github.com/smallbiznis/licensegate/internal/observability"
	"github.com/smallbiznis/licensegate/internal/ratelimit"
	"github.com/smallbiznis/licensegate/internal/scheduler"
	"github.com/smallbiznis/licensegate/internal/server"
	"github.com/smallbiznis/licensegate/internal/subscription"
	"github.com/smallbiznis/licensegate/internal/usage"
	"github.com/smallbiznis/licensegate/pkg/db"
	"github.com/smallbiznis/licensegate/pkg/kv"
	"go.uber.org/fx"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve        ServeCmd        `cmd:"" default:"1" help:"Start the HTTP API and the background scheduler."`
	Migrate      MigrateCmd      `cmd:"" help:"Apply database migrations and exit."`
	Job          JobCmd          `cmd:"" help:"Run one scheduler job once."`
	Subscription SubscriptionCmd `cmd:"" help:"Manage subscriptions."`
	Cache        CacheCmd        `cmd:"" help:"Inspect and invalidate the response cache."`

	Timeout time.Duration `help:"Deadline for one-shot commands." default:"2m"`
}

// core is the dependency graph every command shares: config, telemetry,
// stores and the domain services. HTTP and the scheduler loop are added by serve.
func core() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		kv.Module,
		migration.Module,

		authorization.Module,
		audit.Module,
		cache.Module,
		ratelimit.Module,
		caller.Module,
		dataset.Module,
		license.Module,
		subscription.Module,
		usage.Module,
		access.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// oneShot starts the graph without the HTTP server, adds opts (usually an
// fx.Populate) and runs fn under the CLI deadline.
func oneShot(cli *CLI, opts fx.Option, fn func(ctx context.Context) error) error {
	app := fx.New(
		core(),
		fx.NopLogger,
		opts,
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx)
}

type ServeCmd struct {
	NoScheduler bool `name:"no-scheduler" help:"Serve HTTP only; run maintenance jobs elsewhere."`
}

func (c *ServeCmd) Run() error {
	opts := []fx.Option{core(), server.Module}
	if !c.NoScheduler {
		opts = append(opts, scheduler.Module)
	}
	app := fx.New(opts...)
	app.Run()
	return nil
}

type MigrateCmd struct{}

// Run relies on migration.Module, which applies migrations while the graph starts.
func (c *MigrateCmd) Run(cli *CLI) error {
	return oneShot(cli, fx.Options(), func(context.Context) error {
		fmt.Fprintln(os.Stdout, "migrations applied")
		return nil
	})
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("licensegate"),
		kong.Description("Dataset access control and usage metering."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
