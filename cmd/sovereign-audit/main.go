// Command sovereign-audit reads an audit-log JSON file and verifies its
// hash chain offline: no database, no network, just the recorded entries.
// It prints CONSISTENT on success or BROKEN: <reason> on the first
// mismatch or gap, exiting 0 or 2 respectively.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"sovereignchain/core/auditchain"
)

func main() {
	path := flag.String("file", "", "path to an audit-log JSON file (an array of chain entries)")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: sovereign-audit -file <audit-log.json>")
		os.Exit(2)
	}

	entries, err := loadEntries(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "BROKEN: %v\n", err)
		os.Exit(2)
	}

	ok, reason := auditchain.VerifyChain(entries)
	if !ok {
		fmt.Printf("BROKEN: %s\n", reason)
		os.Exit(2)
	}
	fmt.Println("CONSISTENT")
	os.Exit(0)
}

// wireEntry mirrors auditchain.Entry's on-disk JSON shape; the chain type
// itself carries no json tags since it is never serialized directly by the
// core package, only stored column-by-column in audit_chain.
type wireEntry struct {
	Seq      uint64          `json:"seq"`
	PrevHash string          `json:"prevHash"`
	Hash     string          `json:"hash"`
	Height   uint64          `json:"height"`
	Slot     uint64          `json:"slot"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

func loadEntries(path string) ([]auditchain.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}
	var wire []wireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse %q as a JSON array of chain entries: %w", path, err)
	}
	entries := make([]auditchain.Entry, 0, len(wire))
	for _, w := range wire {
		entries = append(entries, auditchain.Entry{
			Seq:      w.Seq,
			PrevHash: w.PrevHash,
			Hash:     w.Hash,
			Meta:     auditchain.Meta{Height: w.Height, Slot: w.Slot},
			Type:     w.Type,
			Payload:  w.Payload,
		})
	}
	return entries, nil
}
