package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/headpos.report/internal/version"
)

// DefaultDBFile is the run database used when -db is not given.
const DefaultDBFile = "headpos.db"

var errUsage = errors.New("usage")

func main() {
	flag.Usage = func() { printUsage(os.Stdout) }
	flag.Parse()

	if err := run(flag.Args(), os.Stdout); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}

	command, rest := args[0], args[1:]
	switch command {
	case "simulate":
		return handleSimulate(rest, out)
	case "estimate":
		return handleEstimate(rest, out)
	case "filter":
		return handleFilter(rest, out)
	case "snr":
		return handleSNR(rest, out)
	case "info":
		return handleInfo(rest, out)
	case "plot":
		return handlePlot(rest, out)
	case "runs":
		return handleRuns(rest, out)
	case "migrate":
		return handleMigrate(rest, out)
	case "version":
		fmt.Fprintf(out, "headpos version %s\n", version.String())
		return nil
	case "help":
		printUsage(out)
		return nil
	default:
		fmt.Fprintf(out, "Unknown command: %s\n\n", command)
		printUsage(out)
		return errUsage
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `headpos - continuous head-position estimation from cHPI coils

Usage: headpos <command> [options]

Commands:
  simulate   Write the true head positions of a synthetic recording
  estimate   Estimate head positions and write a .pos file
  filter     Remove cHPI and line frequencies and report the attenuation
  snr        Write an HTML chart of the per-coil SNR
  info       Show the cHPI coils resolved from the recording metadata
  plot       Plot the traces of an existing .pos file
  runs       List, export or delete stored estimation runs
  migrate    Manage the run database schema
  version    Show headpos version
  help       Show this help message

Recording Flags (simulate, estimate, filter, snr, info):
  --duration <s>      Recording length in seconds (default: 10)
  --motion <kind>     still or step (default: still)
  --step-mm <mm>      Translation per step for --motion step (default: 1)
  --segment <s>       Seconds between steps (default: 1)
  --noise <T>         White noise on magnetometers in tesla
  --line <T>          Line-frequency interference in tesla
  --off <c:a:b,...>   Switch coil c (1-based) off between a and b seconds
  --seed <n>          Random seed

Common Flags:
  --config <file>     Estimation config (.json, .yaml or .yml)
  --debug             Log pipeline diagnostics

Examples:
  # Estimate a moving head and store the run
  headpos estimate --motion step --out ./out --label step1 --db headpos.db --plot

  # Compare against the true positions
  headpos simulate --motion step --out ./out/step1_truth.pos

  # Bring the database schema up to date
  headpos migrate --db headpos.db up`)
}
