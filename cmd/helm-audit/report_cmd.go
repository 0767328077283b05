package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
)

func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject    string
		from       string
		to         string
		verifyID   string
		history    string
		jsonOutput bool
	)
	cmd.StringVar(&subject, "subject", "", "Subject (SIREN) to audit")
	cmd.StringVar(&from, "from", "", "First period, YYYY-MM")
	cmd.StringVar(&to, "to", "", "Last period, YYYY-MM (default: --from)")
	cmd.StringVar(&verifyID, "verify", "", "Re-evaluate a stored report and check its content hash")
	cmd.StringVar(&history, "history", "", "List every version of a report lineage")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	modes := 0
	for _, set := range []bool{subject != "", verifyID != "", history != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-audit report (--subject S --from YYYY-MM [--to YYYY-MM] | --verify ID | --history LINEAGE) [--json]")
		return 2
	}

	var scope report.Scope
	if subject != "" {
		if from == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --from is required with --subject")
			return 2
		}
		if to == "" {
			to = from
		}
		var err error
		scope.SubjectID = subject
		if scope.From, err = declaration.ParsePeriod(from); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --from: %v\n", err)
			return 2
		}
		if scope.To, err = declaration.ParsePeriod(to); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --to: %v\n", err)
			return 2
		}
		if scope.To.Compare(scope.From) < 0 {
			_, _ = fmt.Fprintln(stderr, "Error: --to is before --from")
			return 2
		}
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	switch {
	case verifyID != "":
		return verifyReport(ctx, svc, verifyID, jsonOutput, stdout, stderr)
	case history != "":
		reports, err := svc.Store.ReportHistory(ctx, history)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if jsonOutput {
			return printJSON(stdout, stderr, reports)
		}
		for _, r := range reports {
			_, _ = fmt.Fprintf(stdout, "v%d  %s  score %s  revision %d  %s\n",
				r.Version, r.ID, formatScore(r.Score), r.CatalogRevision, r.GeneratedAt.Format("2006-01-02 15:04:05"))
		}
		return 0
	}

	r, err := svc.Assembler.Assemble(ctx, scope)
	if err != nil {
		var empty *report.EmptyScopeError
		if errors.As(err, &empty) {
			_, _ = fmt.Fprintf(stderr, "Error: %v (run extract first)\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: assemble failed: %v\n", err)
		return 1
	}
	if jsonOutput {
		return printJSON(stdout, stderr, r)
	}
	printReport(stdout, r)
	return 0
}

func verifyReport(ctx context.Context, svc *Services, id string, jsonOutput bool, stdout, stderr io.Writer) int {
	r, err := svc.Store.GetReport(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	verr := svc.Assembler.Verify(ctx, r)

	if jsonOutput {
		out := map[string]any{"report": r.ID, "verified": verr == nil}
		if verr != nil {
			out["error"] = verr.Error()
		}
		if code := printJSON(stdout, stderr, out); code != 0 {
			return code
		}
	} else if verr == nil {
		_, _ = fmt.Fprintf(stdout, "✓ %s reproduces (hash %s)\n", r.ID, r.ContentHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "✗ %s: %v\n", r.ID, verr)
	}
	if verr != nil {
		return 1
	}
	return 0
}

func printReport(w io.Writer, r *report.Report) {
	_, _ = fmt.Fprintf(w, "Report %s (v%d of %s)\n", r.ID, r.Version, r.LineageID)
	if r.Previous != "" {
		_, _ = fmt.Fprintf(w, "  supersedes:  %s\n", r.Previous)
	}
	_, _ = fmt.Fprintf(w, "  score:       %s\n", formatScore(r.Score))
	_, _ = fmt.Fprintf(w, "  evaluable:   %d\n", r.Evaluable)
	_, _ = fmt.Fprintf(w, "  findings:    %d error(s), %d warning(s), %d info\n", r.Counts.Errors, r.Counts.Warnings, r.Counts.Info)
	_, _ = fmt.Fprintf(w, "  rules:       %s\n", r.RuleSetVersion)
	_, _ = fmt.Fprintf(w, "  revision:    %d\n", r.CatalogRevision)
	_, _ = fmt.Fprintf(w, "  hash:        %s\n", r.ContentHash)
	for _, s := range r.Sections {
		_, _ = fmt.Fprintf(w, "\n  %s  record %s v%d\n", s.Period, s.RecordID, s.RecordVersion)
		for _, f := range s.Findings {
			_, _ = fmt.Fprintf(w, "    [%s] %s %s", f.Severity, f.RuleID, f.Message)
			if f.Expected != "" {
				_, _ = fmt.Fprintf(w, " (expected %s, declared %s)", f.Expected, f.Declared)
			}
			_, _ = fmt.Fprintln(w)
		}
	}
}

func formatScore(s *float64) string {
	if s == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *s)
}
