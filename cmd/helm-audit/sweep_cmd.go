package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm-audit/pkg/recalc"
)

func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		watch      bool
		interval   time.Duration
		jsonOutput bool
	)
	cmd.BoolVar(&watch, "watch", false, "Keep sweeping until interrupted")
	cmd.DurationVar(&interval, "interval", 0, "Sweep interval with --watch (default: HELM_AUDIT_SWEEP_INTERVAL)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(context.WithoutCancel(ctx))

	if watch {
		if interval <= 0 {
			interval = svc.Config.SweepInterval
		}
		svc.Logger.InfoContext(ctx, "sweeping", "interval", interval.String(), "pending", len(svc.Coord.Pending()))
		if err := svc.Coord.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	pending := svc.Coord.Pending()
	res, err := svc.Coord.Sweep(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: sweep failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		if code := printJSON(stdout, stderr, res); code != 0 {
			return code
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "Swept %d lineage(s): %d recalculated, %d failed, %d requeued, %d skipped\n",
			len(pending), res.Recalculated, res.Failed, res.Requeued, res.Skipped)
		for _, id := range res.Reports {
			_, _ = fmt.Fprintf(stdout, "  new report %s\n", id)
		}
		for _, id := range pending {
			if st, _ := svc.Coord.State(id); st == recalc.StateFailed {
				_, _ = fmt.Fprintf(stdout, "  %s failed: %v\n", id, svc.Coord.LastError(id))
			}
		}
	}
	if res.Failed > 0 {
		return 1
	}
	return 0
}
