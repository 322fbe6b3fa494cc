package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/machinelattice/apex/internal/estimator"
	"github.com/machinelattice/apex/internal/eventbus"
	"github.com/machinelattice/apex/internal/llm"
	"github.com/machinelattice/apex/internal/pricing"
	"github.com/machinelattice/apex/internal/protocol"
)

var (
	servePort       int
	serveAgentID    string
	serveAgentName  string
	serveCapability string
	servePricing    string // "fixed:5.00" or "negotiated:base:20" or "negotiated:25:15"
	serveCurrency   string
	serveStrategy   string
	serveMaxRounds  int
	serveModel      string
	servePaymentAddr string
	serveNetwork    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a seller node",
	Long: `Run a seller node exposing one priced capability over JSON-RPC 2.0.

The node answers apex/discover, apex/estimate, apex/propose,
apex/counter, and apex/accept on POST /rpc, and GET /health for
liveness checks.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveAgentID, "agent-id", "apex-agent", "Agent identifier returned by discover")
	serveCmd.Flags().StringVar(&serveAgentName, "agent-name", "APEX Agent", "Agent display name")
	serveCmd.Flags().StringVar(&serveCapability, "capability", "task", "Capability id/name exposed by this node")
	serveCmd.Flags().StringVar(&servePricing, "pricing", "negotiated:base:20", "Pricing: fixed:<amount> | negotiated:base:<rate> | negotiated:<target>:<minimum>")
	serveCmd.Flags().StringVar(&serveCurrency, "currency", "USDC", "Settlement currency")
	serveCmd.Flags().StringVar(&serveStrategy, "strategy", "balanced", "Negotiation strategy: firm | balanced | flexible | llm")
	serveCmd.Flags().IntVar(&serveMaxRounds, "max-rounds", 5, "Maximum negotiation rounds")
	serveCmd.Flags().StringVar(&serveModel, "model", "", "LLM model id (enables the llm strategy and LLM-assisted estimation)")
	serveCmd.Flags().StringVar(&servePaymentAddr, "payment-address", "", "Address buyers should settle payment to")
	serveCmd.Flags().StringVar(&serveNetwork, "network", "base-sepolia", "Default settlement network advertised to buyers")
}

func runServe(cmd *cobra.Command, args []string) {
	pm, err := parsePricingFlag(servePricing, serveCurrency, serveStrategy, serveMaxRounds, serveModel)
	if err != nil {
		log.Fatalf("Serve: invalid --pricing: %v", err)
	}

	var provider llm.Provider
	if serveModel != "" {
		apiKey := firstNonEmptyEnv("OPENAI_API_KEY", "APEX_LLM_API_KEY")
		provider = llm.NewHTTPProvider("", apiKey)
	}

	est := estimator.New(provider, estimator.NewCache())

	paymentAddr := servePaymentAddr
	if paymentAddr == "" {
		paymentAddr = os.Getenv("APEX_PAYMENT_ADDRESS")
	}
	network := serveNetwork
	if n := os.Getenv("APEX_NETWORK"); n != "" {
		network = n
	}

	bus, err := eventbus.New()
	if err != nil {
		log.Fatalf("Serve: eventbus: %v", err)
	}
	defer bus.Close()

	d := protocol.New(
		protocol.AgentIdentity{ID: serveAgentID, Name: serveAgentName, Description: fmt.Sprintf("APEX agent offering %q", serveCapability)},
		protocol.PaymentCoordinates{Address: paymentAddr, Networks: []string{network}, Currencies: []string{serveCurrency}},
		[]protocol.Capability{{
			ID:      serveCapability,
			Name:    serveCapability,
			Pricing: pm,
			Handler: echoHandler,
		}},
		est, provider, bus,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "agent": serveAgentName})
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		handleRPC(d, w, r)
	})

	addr := fmt.Sprintf(":%d", servePort)
	fmt.Printf("APEX seller node listening on %s (capability %q, %s)\n", addr, serveCapability, describePricing(pm))
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleRPC(d *protocol.Dispatcher, w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.Response{JSONRPC: "2.0", Error: &protocol.RPCError{Code: -32700, Message: "parse error"}})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	resp := d.Dispatch(ctx, req)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// echoHandler is the default task handler: it has no domain logic of
// its own (that is the user-supplied part of a real agent) and simply
// confirms the negotiated terms were met.
func echoHandler(ctx context.Context, input map[string]any) (any, error) {
	return map[string]any{"result": "ok", "received": input}, nil
}

func describePricing(m pricing.Model) string {
	switch p := m.(type) {
	case pricing.Fixed:
		return fmt.Sprintf("fixed %s %s", p.Amount.StringFixed(2), p.Currency())
	case pricing.Negotiated:
		if p.UsesEstimation() {
			return fmt.Sprintf("negotiated, base %s %s, strategy %s", p.Base().StringFixed(2), p.Currency(), p.Strategy)
		}
		return fmt.Sprintf("negotiated, target %s / floor %s %s, strategy %s", p.Target.StringFixed(2), p.Minimum.StringFixed(2), p.Currency(), p.Strategy)
	default:
		return "unknown pricing"
	}
}

// parsePricingFlag parses the --pricing flag's compact grammar into a
// pricing.Model.
func parsePricingFlag(spec, currency, strategy string, maxRounds int, model string) (pricing.Model, error) {
	parts := strings.Split(spec, ":")
	opts := pricing.NegotiatedOptions{
		MaxRounds: maxRounds,
		Currency:  currency,
		Strategy:  pricing.Strategy(strategy),
		Model:     model,
	}
	switch {
	case len(parts) == 2 && parts[0] == "fixed":
		amount, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, err
		}
		return pricing.NewFixed(amount, currency)
	case len(parts) == 3 && parts[0] == "negotiated" && parts[1] == "base":
		base, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, err
		}
		return pricing.NewNegotiatedBase(base, opts)
	case len(parts) == 3 && parts[0] == "negotiated":
		target, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, err
		}
		minimum, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, err
		}
		return pricing.NewNegotiatedBounds(target, minimum, opts)
	default:
		return nil, fmt.Errorf("cmd: unrecognized pricing spec %q", spec)
	}
}

func firstNonEmptyEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
