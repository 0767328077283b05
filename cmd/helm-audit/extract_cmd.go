package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/extraction"
)

type extractOutput struct {
	Document    string  `json:"document"`
	RecordID    string  `json:"record_id,omitempty"`
	LineageID   string  `json:"lineage_id,omitempty"`
	Version     int     `json:"version,omitempty"`
	SubjectID   string  `json:"subject_id,omitempty"`
	Period      string  `json:"period,omitempty"`
	Lines       int     `json:"lines,omitempty"`
	NeedsReview int     `json:"needs_review,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Method      string  `json:"method,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func runExtractCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("extract", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject    string
		period     string
		format     string
		supersedes string
		jsonOutput bool
	)
	cmd.StringVar(&subject, "subject", "", "Subject (SIREN) when the document does not carry one")
	cmd.StringVar(&period, "period", "", "Declaration period, YYYY-MM, when the document does not carry one")
	cmd.StringVar(&format, "format", "", "Force the document format (dsn, csv, xlsx, json, pdf, image)")
	cmd.StringVar(&supersedes, "supersedes", "", "Record id this single document corrects")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	files := cmd.Args()
	if len(files) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-audit extract [flags] <file>...")
		return 2
	}
	if supersedes != "" && len(files) != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: --supersedes takes exactly one document")
		return 2
	}

	var hint declaration.Period
	if period != "" {
		p, err := declaration.ParsePeriod(period)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --period: %v\n", err)
			return 2
		}
		hint = p
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(context.WithoutCancel(ctx))

	var prev *declaration.Record
	if supersedes != "" {
		if prev, err = svc.Store.GetRecord(ctx, supersedes); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	docs := make([]extraction.Document, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		docs = append(docs, extraction.Document{
			Name:       filepath.Base(path),
			Data:       data,
			Format:     extraction.Format(format),
			SubjectID:  subject,
			Period:     hint,
			Supersedes: prev,
		})
	}

	pipeline, err := svc.Pipeline(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	results, batchErr := pipeline.ExtractBatch(ctx, docs)

	failed := 0
	out := make([]extractOutput, 0, len(results))
	for _, r := range results {
		o := extractOutput{Document: r.Name}
		if r.Err == nil {
			r.Err = svc.Store.SaveRecord(ctx, r.Record)
		}
		if r.Err != nil {
			failed++
			o.Error = r.Err.Error()
			out = append(out, o)
			continue
		}
		rec := r.Record
		o.RecordID = rec.ID
		o.LineageID = rec.LineageID
		o.Version = rec.Version
		o.SubjectID = rec.SubjectID
		o.Period = rec.Period.String()
		o.Lines = len(rec.Lines)
		o.Confidence = rec.Provenance.Confidence
		o.Method = string(rec.Provenance.Method)
		for _, l := range rec.Lines {
			if l.NeedsReview {
				o.NeedsReview++
			}
		}
		out = append(out, o)
	}

	if jsonOutput {
		if code := printJSON(stdout, stderr, out); code != 0 {
			return code
		}
	} else {
		for _, o := range out {
			if o.Error != "" {
				_, _ = fmt.Fprintf(stdout, "✗ %s: %s\n", o.Document, o.Error)
				continue
			}
			_, _ = fmt.Fprintf(stdout, "✓ %s → %s v%d (%s %s, %d lines, %d for review, confidence %.2f, %s)\n",
				o.Document, o.RecordID, o.Version, o.SubjectID, o.Period, o.Lines, o.NeedsReview, o.Confidence, o.Method)
		}
	}

	if batchErr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", batchErr)
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}
