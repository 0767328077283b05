package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "rates":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: helm-audit rates <import|resolve|amend|history>")
			return 2
		}
		return runRatesCmd(args[2:], stdout, stderr)
	case "extract":
		return runExtractCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%shelm-audit%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintf(w, "%sPayroll declaration extraction and contribution audit.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  helm-audit <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "REGULATION")
	printCommand(w, "rates import", "Import a rate table (--table, --json)")
	printCommand(w, "rates resolve", "Resolve parameters in force at a date (--date, --ids, --revision)")
	printCommand(w, "rates amend", "Amend a parameter over an interval (--id, --value, --from, --until, --retroactive)")
	printCommand(w, "rates history", "Show every version of a parameter (--id)")

	printSection(w, "AUDIT")
	printCommand(w, "extract", "Extract declaration records from documents")
	printCommand(w, "report", "Assemble, verify or list audit reports")
	printCommand(w, "sweep", "Regenerate reports made stale by amendments (--watch)")

	printSection(w, "ENVIRONMENT")
	printCommand(w, "HELM_AUDIT_DATABASE_URL", "SQLite file or postgres:// URL (HELM_AUDIT_DB_DRIVER=memory for a scratch run)")
	printCommand(w, "HELM_AUDIT_RATE_TABLE", "Embedded table name or YAML file loaded into an empty catalog")
	printCommand(w, "HELM_AUDIT_PROFILE", "Audit profile YAML")
	printCommand(w, "HELM_AUDIT_REDIS_URL", "Redis used for cross-process recalculation leases")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-16s%s %s\n", colorGreen, name, colorReset, desc)
}
