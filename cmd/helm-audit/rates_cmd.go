package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
)

func runRatesCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "import":
		return runRatesImport(args[1:], stdout, stderr)
	case "resolve":
		return runRatesResolve(args[1:], stdout, stderr)
	case "amend":
		return runRatesAmend(args[1:], stdout, stderr)
	case "history":
		return runRatesHistory(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown rates subcommand: %s\n", args[0])
		return 2
	}
}

func runRatesImport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rates import", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		table      string
		jsonOutput bool
	)
	cmd.StringVar(&table, "table", "", "Embedded table name or YAML file (default: HELM_AUDIT_RATE_TABLE)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	if table == "" {
		table = svc.Config.RateTable
	}
	rt, err := loadRateTable(table)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	res, err := regulation.Import(ctx, svc.Catalog, rt)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: import failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		return printJSON(stdout, stderr, res)
	}
	_, _ = fmt.Fprintf(stdout, "Imported %s: %d published, %d already present (revision %d)\n",
		res.Table, res.Published, res.Skipped, svc.Catalog.Revision())
	return 0
}

func runRatesResolve(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rates resolve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		date       string
		ids        string
		revision   uint64
		jsonOutput bool
	)
	cmd.StringVar(&date, "date", "", "Effective date, YYYY-MM-DD (REQUIRED)")
	cmd.StringVar(&ids, "ids", "", "Comma-separated parameter ids (default: all)")
	cmd.Uint64Var(&revision, "revision", 0, "Resolve against an earlier catalog revision")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	at, err := time.Parse(time.DateOnly, date)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "Error: --date must be YYYY-MM-DD")
		return 2
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	snap := svc.Catalog.Snapshot()
	if revision > 0 {
		if snap, err = svc.Catalog.SnapshotAt(revision); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	var set *regulation.Set
	if ids == "" {
		set, err = snap.ResolveAll(at)
	} else {
		set, err = snap.Resolve(at, strings.Split(ids, ","))
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		return printJSON(stdout, stderr, set)
	}
	_, _ = fmt.Fprintf(stdout, "Regulation set %s (revision %d, %s)\n", set.Version(), set.Revision(), at.Format(time.DateOnly))
	for _, p := range set.Parameters() {
		_, _ = fmt.Fprintf(stdout, "  %s\n", p)
	}
	return 0
}

func runRatesAmend(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rates amend", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id          string
		value       float64
		unit        string
		from        string
		until       string
		citation    string
		retroactive bool
		jsonOutput  bool
	)
	cmd.StringVar(&id, "id", "", "Parameter id (REQUIRED)")
	cmd.Float64Var(&value, "value", 0, "New value")
	cmd.StringVar(&unit, "unit", "", "Unit (default: unit of the latest version)")
	cmd.StringVar(&from, "from", "", "Start of the amended interval, YYYY-MM-DD (REQUIRED)")
	cmd.StringVar(&until, "until", "", "Exclusive end of the amended interval, YYYY-MM-DD")
	cmd.StringVar(&citation, "citation", "", "Legal reference")
	cmd.BoolVar(&retroactive, "retroactive", false, "Mark reports covering the interval for recalculation")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" || from == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id and --from are required")
		return 2
	}
	req := regulation.AmendRequest{
		ID:          id,
		Value:       value,
		Unit:        regulation.Unit(unit),
		Citation:    citation,
		Retroactive: retroactive,
	}
	var err error
	if req.From, err = time.Parse(time.DateOnly, from); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error: --from must be YYYY-MM-DD")
		return 2
	}
	if until != "" {
		u, err := time.Parse(time.DateOnly, until)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "Error: --until must be YYYY-MM-DD")
			return 2
		}
		req.Until = &u
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	p, err := svc.Catalog.Amend(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: amend failed: %v\n", err)
		return 1
	}
	pending := svc.Coord.Pending()

	if jsonOutput {
		return printJSON(stdout, stderr, map[string]any{
			"parameter": p,
			"revision":  svc.Catalog.Revision(),
			"stale":     pending,
		})
	}
	_, _ = fmt.Fprintf(stdout, "Amended %s (revision %d)\n", p, svc.Catalog.Revision())
	if len(pending) > 0 {
		_, _ = fmt.Fprintf(stdout, "%d record lineage(s) marked stale; run `helm-audit sweep` to regenerate their reports\n", len(pending))
	}
	return 0
}

func runRatesHistory(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rates history", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id         string
		jsonOutput bool
	)
	cmd.StringVar(&id, "id", "", "Parameter id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	history := svc.Catalog.History(id)
	if len(history) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: unknown parameter %s\n", id)
		return 1
	}
	if jsonOutput {
		return printJSON(stdout, stderr, history)
	}
	for _, p := range history {
		_, _ = fmt.Fprintf(stdout, "%s  revision %d\n", p, p.Revision)
	}
	return 0
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
