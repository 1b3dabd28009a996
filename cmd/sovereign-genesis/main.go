// Command sovereign-genesis drives the Genesis ceremony one explicit step
// at a time: freeze every inventory tier, preview the snapshot that would
// be published, or run the full one-way finalize. Each sub-command is its
// own verb rather than a single opaque "run genesis" call.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"sovereignchain/config"
	"sovereignchain/core/genesis"
	"sovereignchain/core/inventory"
	"sovereignchain/externalsvc"
	"sovereignchain/storage/sqlstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	configPath := flag.String("config", "sovereignd.toml", "path to the daemon's TOML configuration")
	subArgs := os.Args[2:]
	if err := flag.CommandLine.Parse(subArgs); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	store, err := sqlstore.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	invManager := inventory.New(store.DB)
	contentStore := externalsvc.NewMemoryContentStore()
	manager := genesis.New(store.DB, invManager, contentStore, cfg.GenesisTimestamp)

	ctx := context.Background()
	now := time.Now().UTC()

	switch os.Args[1] {
	case "freeze":
		tiers, err := manager.Freeze(ctx, now)
		exitOnErr(err)
		printJSON(map[string]interface{}{"frozenTiers": tiers})
	case "snapshot":
		snap, err := manager.Snapshot(ctx, now)
		exitOnErr(err)
		printJSON(snap)
	case "finalize":
		snap, cid, hash, err := manager.Finalize(ctx, now)
		exitOnErr(err)
		printJSON(map[string]interface{}{"snapshot": snap, "cid": cid, "genesisHash": hash})
	case "status":
		status, err := manager.GetStatus(ctx)
		exitOnErr(err)
		printJSON(status)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: sovereign-genesis [freeze|snapshot|finalize|status] [-config path]")
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		os.Exit(1)
	}
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
