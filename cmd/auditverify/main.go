// Command auditverify re-verifies an exported audit bundle offline: the
// hash-linked event chain, the bundle hash, and a compliance summary. It
// needs no database or network; the bundle file is self-contained.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/gridline-robotics/warden/internal/chain"
	"github.com/gridline-robotics/warden/internal/compliance"
	"github.com/gridline-robotics/warden/model"
)

func main() {
	bundlePath := flag.String("bundle", "", "path to an exported audit bundle JSON file")
	summary := flag.Bool("summary", true, "print the compliance summary after verification")
	flag.Parse()

	if *bundlePath == "" {
		fmt.Fprintln(os.Stderr, "usage: auditverify -bundle <file.json>")
		os.Exit(2)
	}

	data, err := os.ReadFile(*bundlePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read bundle: %v\n", err)
		os.Exit(1)
	}

	var b chain.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		fmt.Fprintf(os.Stderr, "decode bundle: %v\n", err)
		os.Exit(1)
	}
	if b.FormatVersion != chain.BundleFormatVersion {
		fmt.Fprintf(os.Stderr, "warning: bundle format %q, this tool expects %q\n",
			b.FormatVersion, chain.BundleFormatVersion)
	}

	res, err := chain.VerifyBundle(&b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify bundle: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("run:         %s\n", b.RunID)
	fmt.Printf("mission:     %s\n", b.MissionID)
	fmt.Printf("status:      %s\n", b.Status)
	fmt.Printf("events:      %d\n", len(b.Events))
	fmt.Printf("chain valid: %t\n", res.Valid)
	for _, e := range res.Errors {
		fmt.Printf("  %s\n", e)
	}

	if *summary {
		run := &model.Run{
			ID:        b.RunID,
			MissionID: b.MissionID,
			Status:    b.Status,
			StartedAt: b.StartedAt,
			EndedAt:   b.EndedAt,
		}
		fmt.Println()
		fmt.Print(compliance.BuildReport(run, b.Events).Summary())
	}

	if !res.Valid {
		os.Exit(1)
	}
}
