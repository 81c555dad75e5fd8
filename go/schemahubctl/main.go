package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/picklesueat/crypto-data-platform/go/ingest"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "ingest", "Ingest new trades from the exchange", `
Fetch trades beyond each product's checkpoint and land them as raw NDJSON
objects in S3. Products come from --products or the seed file. Runs under
the "ingest" lock; a concurrent run exits with code 2.
`, &cmdIngest{})

	addCmd(parser, "backfill", "Backfill a historical trade range", `
Fetch a bounded historical range of trades into the raw layer. Backfill
keeps its own checkpoints and lock, so it can run alongside incremental
ingest.
`, &cmdBackfill{})

	addCmd(parser, "transform", "Compact raw objects into the unified layer", `
Transform unprocessed raw NDJSON objects into unified parquet batches,
optionally rewrite the layer through Athena to drop cross-batch duplicates,
and validate the result. Repeated failures or high duplicate ratios trigger
a versioned replay of the whole layer.
`, &cmdTransform{})

	addCmd(parser, "validate", "Validate the unified layer", `
Check the unified parquet layer for schema drift, bad values, duplicate
pressure, and staleness. Batch mode inspects the newest object; full mode
scans the entire versioned layer.
`, &cmdValidate{})

	addCmd(parser, "update-seed", "Refresh the product seed file", `
Fetch the exchange's online products and merge any new ones into the seed
file. Existing entries are never removed.
`, &cmdUpdateSeed{})

	var _, err = parser.Parse()
	if err == nil {
		return
	}

	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) {
		if flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		// Bad flags or missing required options are caller error.
		fmt.Fprintln(os.Stderr, flagsErr.Message)
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	if errors.Is(err, ingest.ErrLockUnavailable) || isUsageError(err) {
		os.Exit(2)
	}
	os.Exit(1)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(fmt.Sprintf("failed to add %s command: %v", a, err))
	}
	return cmd
}

// usageError marks failures caused by the invocation rather than the
// pipeline, mapped to exit code 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}
