package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/authorization"
	"github.com/smallbiznis/licensegate/internal/cache"
	"github.com/smallbiznis/licensegate/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"go.uber.org/fx"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type JobCmd struct {
	Name string `arg:"" enum:"renew_subscriptions,expire_subscriptions,reset_monthly_spend,reconcile_usage,archive_usage" help:"Job to run."`
}

func (c *JobCmd) Run(cli *CLI) error {
	var sched *scheduler.Scheduler
	opts := fx.Options(
		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.New),
		fx.Populate(&sched),
	)
	return oneShot(cli, opts, func(ctx context.Context) error {
		if err := sched.Run(ctx, c.Name); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s finished\n", c.Name)
		return nil
	})
}

type SubscriptionCmd struct {
	Create    SubscriptionCreateCmd  `cmd:"" help:"Subscribe a caller to a dataset under a license."`
	Status    SubscriptionStatusCmd  `cmd:"" help:"Show the active subscription of a caller for a dataset."`
	List      SubscriptionListCmd    `cmd:"" help:"List every subscription of a caller."`
	Renew     SubscriptionIDCmd      `cmd:"" help:"Renew a subscription for one more period."`
	Cancel    SubscriptionIDCmd      `cmd:"" help:"Cancel a subscription."`
	Suspend   SubscriptionSuspendCmd `cmd:"" help:"Suspend a subscription."`
	Reinstate SubscriptionIDCmd      `cmd:"" help:"Reinstate a suspended subscription."`
	Expire    SubscriptionIDCmd      `cmd:"" help:"Expire a subscription now."`

	Admin int64 `help:"Admin id recorded as the actor. The system actor is used when unset."`
}

func (c *SubscriptionCmd) actor() string {
	if c.Admin > 0 {
		return authorization.AdminActor(snowflake.ID(c.Admin))
	}
	return authorization.SystemActor
}

type SubscriptionCreateCmd struct {
	Caller  int64  `required:"" help:"Caller id."`
	Dataset int64  `required:"" help:"Dataset id."`
	License int64  `required:"" help:"License id."`
	Type    string `default:"monthly" enum:"monthly,annual,pay_per_use" help:"Subscription type."`
	NoRenew bool   `name:"no-renew" help:"Disable auto-renewal."`
}

func (c *SubscriptionCreateCmd) Run(cli *CLI) error {
	parent := &cli.Subscription
	var svc subscriptiondomain.Service
	return oneShot(cli, fx.Populate(&svc), func(ctx context.Context) error {
		autoRenew := !c.NoRenew
		sub, err := svc.Create(ctx, parent.actor(), subscriptiondomain.CreateSubscriptionRequest{
			CallerID:         snowflake.ID(c.Caller),
			DatasetID:        snowflake.ID(c.Dataset),
			LicenseID:        snowflake.ID(c.License),
			SubscriptionType: subscriptiondomain.SubscriptionType(c.Type),
			AutoRenew:        &autoRenew,
		})
		if err != nil {
			return err
		}
		return printJSON(sub)
	})
}

type SubscriptionStatusCmd struct {
	Caller  int64 `required:"" help:"Caller id."`
	Dataset int64 `required:"" help:"Dataset id."`
}

func (c *SubscriptionStatusCmd) Run(cli *CLI) error {
	var svc subscriptiondomain.Service
	return oneShot(cli, fx.Populate(&svc), func(ctx context.Context) error {
		status, err := svc.GetStatus(ctx, snowflake.ID(c.Caller), snowflake.ID(c.Dataset))
		if err != nil {
			return err
		}
		return printJSON(status)
	})
}

type SubscriptionListCmd struct {
	Caller int64 `arg:"" help:"Caller id."`
}

func (c *SubscriptionListCmd) Run(cli *CLI) error {
	var svc subscriptiondomain.Service
	return oneShot(cli, fx.Populate(&svc), func(ctx context.Context) error {
		subs, err := svc.ListByCaller(ctx, snowflake.ID(c.Caller))
		if err != nil {
			return err
		}
		return printJSON(subs)
	})
}

// SubscriptionIDCmd backs every transition that only needs the subscription id.
type SubscriptionIDCmd struct {
	ID int64 `arg:"" help:"Subscription id."`
}

func (c *SubscriptionIDCmd) Run(cli *CLI, kctx *kong.Context) error {
	parent := &cli.Subscription
	var svc subscriptiondomain.Service
	command := kctx.Selected().Name
	return oneShot(cli, fx.Populate(&svc), func(ctx context.Context) error {
		var (
			sub *subscriptiondomain.Subscription
			err error
		)
		id := snowflake.ID(c.ID)
		switch command {
		case "renew":
			sub, err = svc.Renew(ctx, parent.actor(), id)
		case "cancel":
			sub, err = svc.Cancel(ctx, parent.actor(), id)
		case "reinstate":
			sub, err = svc.Reinstate(ctx, parent.actor(), id)
		case "expire":
			sub, err = svc.Expire(ctx, parent.actor(), id)
		default:
			return fmt.Errorf("unknown subscription command %q", command)
		}
		if err != nil {
			return err
		}
		return printJSON(sub)
	})
}

type SubscriptionSuspendCmd struct {
	ID     int64  `arg:"" help:"Subscription id."`
	Reason string `help:"Reason recorded on the subscription."`
}

func (c *SubscriptionSuspendCmd) Run(cli *CLI) error {
	parent := &cli.Subscription
	var svc subscriptiondomain.Service
	return oneShot(cli, fx.Populate(&svc), func(ctx context.Context) error {
		sub, err := svc.Suspend(ctx, parent.actor(), snowflake.ID(c.ID), strings.TrimSpace(c.Reason))
		if err != nil {
			return err
		}
		return printJSON(sub)
	})
}

type CacheCmd struct {
	Stats      CacheStatsCmd      `cmd:"" help:"Show response cache statistics."`
	Invalidate CacheInvalidateCmd `cmd:"" help:"Remove entries by data type or key pattern."`
	Flush      CacheFlushCmd      `cmd:"" help:"Remove every cached response."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(cli *CLI) error {
	var rc *cache.ResponseCache
	return oneShot(cli, fx.Populate(&rc), func(ctx context.Context) error {
		stats, err := rc.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	})
}

type CacheInvalidateCmd struct {
	DataType string `name:"data-type" xor:"target" required:"" help:"Data type to drop, e.g. static_data."`
	Pattern  string `xor:"target" required:"" help:"Glob over cache keys, e.g. 'datasets.list:*'."`
}

func (c *CacheInvalidateCmd) Run(cli *CLI) error {
	var rc *cache.ResponseCache
	return oneShot(cli, fx.Populate(&rc), func(ctx context.Context) error {
		var (
			removed int64
			err     error
		)
		if c.DataType != "" {
			removed, err = rc.InvalidateDataType(ctx, c.DataType)
		} else {
			removed, err = rc.InvalidatePattern(ctx, c.Pattern)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "removed %d entries\n", removed)
		return nil
	})
}

type CacheFlushCmd struct{}

func (c *CacheFlushCmd) Run(cli *CLI) error {
	var rc *cache.ResponseCache
	return oneShot(cli, fx.Populate(&rc), func(ctx context.Context) error {
		if err := rc.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "cache flushed")
		return nil
	})
}
