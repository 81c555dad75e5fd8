package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/picklesueat/crypto-data-platform/go/coinbase"
	"github.com/picklesueat/crypto-data-platform/go/ratelimit"
	"github.com/picklesueat/crypto-data-platform/go/seeds"
)

type cmdUpdateSeed struct {
	SeedFile    string `long:"seed-file" default:"seeds/products.yaml" description:"Product seed file"`
	Quote       string `long:"quote" default:"USD" description:"Only add products quoted in this currency (empty = all)"`
	FilterRegex string `long:"filter-regex" description:"Regex filter applied to product ids"`
	Merge       bool   `long:"merge" description:"Union with the existing seed instead of replacing it"`
	DryRun      bool   `long:"dry-run" description:"Report what would change without writing"`
	ExchangeURL string `long:"exchange-url" env:"EXCHANGE_URL" description:"Override the exchange API endpoint"`

	Log logOptions `group:"Logging"`
}

// Execute refreshes the seed file from the exchange's product listing. This
// command talks only to the public API, so it needs no AWS credentials.
func (cmd cmdUpdateSeed) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var seed, err = seeds.Load(cmd.SeedFile)
	if err != nil {
		return err
	}

	var client = coinbase.NewClient(cmd.ExchangeURL, ratelimit.For(coinbase.Source), nil)
	products, err := client.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("listing exchange products: %w", err)
	}

	var re *regexp.Regexp
	if cmd.FilterRegex != "" {
		if re, err = regexp.Compile(cmd.FilterRegex); err != nil {
			return usageError{fmt.Errorf("invalid product filter %q: %w", cmd.FilterRegex, err)}
		}
	}

	var candidates []string
	for _, p := range products {
		if cmd.Quote != "" && p.QuoteCurrency != cmd.Quote {
			continue
		}
		if re != nil && !re.MatchString(p.ID) {
			continue
		}
		candidates = append(candidates, p.ID)
	}

	var added int
	if cmd.Merge {
		added = seed.Merge(candidates)
	} else {
		added = seed.Replace(candidates)
	}
	log.WithFields(log.Fields{
		"online":   len(products),
		"eligible": len(candidates),
		"added":    added,
		"merge":    cmd.Merge,
		"total":    len(seed.ProductIDs),
	}).Info("refreshed seed from exchange products")

	if cmd.DryRun {
		fmt.Printf("dry run: would add %d products (total %d)\n", added, len(seed.ProductIDs))
		return nil
	}

	seed.Metadata["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	seed.Metadata["source"] = coinbase.Source
	if err := seeds.Save(cmd.SeedFile, seed); err != nil {
		return err
	}
	fmt.Printf("added %d products (total %d)\n", added, len(seed.ProductIDs))
	return nil
}
