// Command sovereign-cli is a thin administrative client for the sovereign
// state machine: it opens the same shared store the daemon uses and calls
// straight into core/*, with no HTTP or RPC layer of its own. Each
// sub-command is one verb, mirroring the style of this repository's other
// command-line tools.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"sovereignchain/config"
	"sovereignchain/core/auditchain"
	"sovereignchain/core/certificate"
	"sovereignchain/core/inventory"
	"sovereignchain/core/ledger"
	"sovereignchain/core/policy"
	"sovereignchain/storage/sqlstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	configPath := flag.String("config", "sovereignd.toml", "path to the daemon's TOML configuration")
	args := os.Args[2:]
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-config" && i+1 < len(args) {
			*configPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}

	cfg, err := config.Load(*configPath)
	exitOnErr(err)

	store, err := sqlstore.Open(cfg.DatabaseURL)
	exitOnErr(err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	switch os.Args[1] {
	case "register-asset":
		requireArgs(rest, 2, "register-asset SYMBOL DECIMALS [POLICY_URI]")
		decimals, err := strconv.Atoi(rest[1])
		exitOnErr(err)
		policyURI := ""
		if len(rest) > 2 {
			policyURI = rest[2]
		}
		l := ledger.New(store.DB, cfg.PolicyHash)
		asset, err := l.RegisterAsset(ctx, rest[0], decimals, policyURI)
		exitOnErr(err)
		printJSON(asset)

	case "register-namespace":
		requireArgs(rest, 2, "register-namespace NAME CONTROLLER_ADDRESS [METADATA_HASH]")
		metadataHash := ""
		if len(rest) > 2 {
			metadataHash = rest[2]
		}
		l := ledger.New(store.DB, cfg.PolicyHash)
		ns, err := l.RegisterNamespace(ctx, rest[0], rest[1], metadataHash, now)
		exitOnErr(err)
		printJSON(ns)

	case "transfer":
		requireArgs(rest, 4, "transfer ASSET FROM TO AMOUNT [MEMO]")
		memo := ""
		if len(rest) > 4 {
			memo = rest[4]
		}
		l := ledger.New(store.DB, cfg.PolicyHash)
		decision := ledger.TevDecision{Allowed: true, PolicyHash: cfg.PolicyHash}
		meta := auditchain.Meta{Height: uint64(now.Unix())}
		err := l.WithTev(ctx, decision, meta, "cli.transfer", func(tx *sql.Tx) error {
			return ledger.Transfer(ctx, tx, rest[0], rest[1], rest[2], rest[3], memo, now)
		})
		exitOnErr(err)
		printJSON(map[string]string{"status": "transferred"})

	case "balance":
		requireArgs(rest, 2, "balance ASSET ACCOUNT")
		l := ledger.New(store.DB, cfg.PolicyHash)
		balance, err := l.BalanceOf(ctx, rest[0], rest[1])
		exitOnErr(err)
		printJSON(map[string]interface{}{"asset": rest[0], "account": rest[1], "balance": balance})

	case "state-root":
		l := ledger.New(store.DB, cfg.PolicyHash)
		root, err := l.StateRoot(ctx)
		exitOnErr(err)
		printJSON(map[string]string{"stateRoot": root})

	case "register-tier":
		requireArgs(rest, 2, "register-tier TIER PRESELL_CAP")
		cap, err := strconv.ParseInt(rest[1], 10, 64)
		exitOnErr(err)
		inv := inventory.New(store.DB)
		exitOnErr(inv.RegisterTier(ctx, rest[0], cap))
		printJSON(map[string]string{"status": "registered"})

	case "register-partner":
		requireArgs(rest, 3, "register-partner TIER PARTNER ALLOCATION")
		alloc, err := strconv.ParseInt(rest[2], 10, 64)
		exitOnErr(err)
		inv := inventory.New(store.DB)
		exitOnErr(inv.RegisterPartnerAllocation(ctx, rest[0], rest[1], alloc))
		printJSON(map[string]string{"status": "registered"})

	case "approve":
		requireArgs(rest, 3, "approve ACTOR ACTION RESOURCE_ID [METADATA_JSON]")
		var metadata map[string]interface{}
		if len(rest) > 3 {
			exitOnErr(json.Unmarshal([]byte(rest[3]), &metadata))
		}
		e := policy.New(store.DB)
		exitOnErr(e.ApproveAction(ctx, rest[0], rest[1], rest[2], metadata))
		printJSON(map[string]string{"status": "approved"})

	case "deny":
		requireArgs(rest, 4, "deny ACTOR ACTION RESOURCE_ID REASON")
		e := policy.New(store.DB)
		exitOnErr(e.DenyAction(ctx, rest[0], rest[1], rest[2], rest[3]))
		printJSON(map[string]string{"status": "denied"})

	case "verify-certificate":
		requireArgs(rest, 2, "verify-certificate CERT_FILE GENESIS_HASH")
		data, err := os.ReadFile(rest[0])
		exitOnErr(err)
		result, err := certificate.Verify(data, rest[1])
		exitOnErr(err)
		printJSON(result)
		if !result.Valid {
			os.Exit(1)
		}

	default:
		printUsage()
		os.Exit(2)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: sovereign-cli %s\n", usage)
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: sovereign-cli <command> [args] [-config path]
commands:
  register-asset SYMBOL DECIMALS [POLICY_URI]
  register-namespace NAME CONTROLLER_ADDRESS [METADATA_HASH]
  transfer ASSET FROM TO AMOUNT [MEMO]
  balance ASSET ACCOUNT
  state-root
  register-tier TIER PRESELL_CAP
  register-partner TIER PARTNER ALLOCATION
  approve ACTOR ACTION RESOURCE_ID [METADATA_JSON]
  deny ACTOR ACTION RESOURCE_ID REASON
  verify-certificate CERT_FILE GENESIS_HASH`)
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
