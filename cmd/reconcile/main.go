package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/bsm/redislock"

	"github.com/medcore/stockcore/internal/app"
	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/platform/cache"
	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping reconcile")
		return
	}

	repair := flag.Bool("repair", false, "rewrite drifting quantity_on_hand from the movement journal")
	actor := flag.Int64("actor", 0, "actor id recorded on repairs")
	item := flag.Int64("item", 0, "restrict to one item id")
	location := flag.String("location", "", "restrict to one location (central or department:<id>); requires -item")
	noLock := flag.Bool("no-lock", false, "skip the redis run lock")
	flag.Parse()

	if err := run(*repair, *actor, *item, *location, *noLock); err != nil {
		fmt.Fprintln(os.Stderr, "reconcile:", err)
		os.Exit(1)
	}
}

func run(repair bool, actor, item int64, location string, noLock bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	services, err := app.BuildServices(app.ServiceDeps{Pool: pool, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	var drifts []inventory.Drift
	if item > 0 {
		loc := inventory.Central()
		if location != "" {
			if loc, err = inventory.ParseLocation(location); err != nil {
				return err
			}
		}
		drifts, err = services.Inventory.Reconcile(ctx, inventory.ReconcileOptions{
			Keys:    []inventory.BalanceKey{{ItemID: item, Location: loc}},
			Repair:  repair,
			ActorID: actor,
		})
	} else {
		var locker *redislock.Client
		if !noLock {
			redisClient, err := cache.New(ctx, cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer redisClient.Close()
			locker = cache.NewLocker(redisClient)
		}
		job := jobs.NewReconcileJob(services.Inventory, locker, cfg.ReconcileLockTTL, logger, nil)
		drifts, err = job.Run(ctx, jobs.ReconcilePayload{Repair: repair, ActorID: actor})
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tLOCATION\tLIVE\tJOURNAL\tREPAIRED")
	for _, d := range drifts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", d.Key.ItemID, d.Key.Location, d.LiveQuantity, d.JournalTotal, d.Repaired)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(drifts) > 0 && !repair {
		return fmt.Errorf("%d balance(s) drift from the journal", len(drifts))
	}
	return nil
}
