// Package cmd implements the apex CLI: a seller node (apex serve), a
// buyer call (apex negotiate call), and wallet key management (apex
// wallet ...). The CLI surface is ambient framing around the
// negotiation core and is not itself part of the negotiation
// invariants.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// apiURL is the base URL of a running seller node, used by every buyer
// and wallet subcommand (configurable via --api-url flag).
var apiURL string

var rootCmd = &cobra.Command{
	Use:   "apex",
	Short: "APEX - Agent Commerce Negotiation Protocol",
	Long: `APEX lets autonomous agents sell and buy priced capabilities:
a seller advertises a price (fixed or negotiated), a buyer negotiates
over a bounded round exchange, payment settles on a public ledger, and
the seller releases its result.

Features:
  - Seller-side negotiation engine with target/minimum bounds and a
    concession curve
  - Buyer-side auto-negotiator with a budget ceiling
  - JSON-RPC 2.0 wire protocol (discover / estimate / propose / counter
    / accept)
  - On-ledger USDC settlement verification (Base / Base Sepolia /
    Sepolia)`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Best-effort .env loading: search ./, ../, ~/ and populate the
	// environment for keys not already set, continuing silently if no
	// file is found.
	for _, dir := range []string{".", "..", os.Getenv("HOME")} {
		if dir == "" {
			continue
		}
		_ = godotenv.Load(dir + "/.env")
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "Base URL of the seller node to talk to")
}
