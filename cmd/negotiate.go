package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/machinelattice/apex/internal/buyer"
	"github.com/machinelattice/apex/internal/llm"
	"github.com/machinelattice/apex/internal/pricing"
)

var (
	negotiateCapability string
	negotiateBudget     string
	negotiateStrategy   string
	negotiateMaxRounds  int
	negotiateModel      string
	negotiateInput      string
)

var negotiateCmd = &cobra.Command{
	Use:   "negotiate",
	Short: "Buyer-side negotiation commands",
	Long:  `Drive a buyer negotiation against a running seller node.`,
}

var negotiateCallCmd = &cobra.Command{
	Use:   "call",
	Short: "Negotiate and, if successful, run a capability",
	Long: `Discover the seller at --api-url, negotiate a price for
--capability up to --budget, and report the outcome.`,
	Run: runNegotiateCall,
}

func init() {
	rootCmd.AddCommand(negotiateCmd)
	negotiateCmd.AddCommand(negotiateCallCmd)

	negotiateCallCmd.Flags().StringVar(&negotiateCapability, "capability", "task", "Capability to request")
	negotiateCallCmd.Flags().StringVar(&negotiateBudget, "budget", "0", "Maximum price the buyer will pay")
	negotiateCallCmd.Flags().StringVar(&negotiateStrategy, "strategy", "balanced", "Negotiation strategy: firm | balanced | flexible | llm")
	negotiateCallCmd.Flags().IntVar(&negotiateMaxRounds, "max-rounds", 5, "Maximum negotiation rounds")
	negotiateCallCmd.Flags().StringVar(&negotiateModel, "model", "", "LLM model id (enables the llm strategy)")
	negotiateCallCmd.Flags().StringVar(&negotiateInput, "input", "{}", "JSON input payload for the capability")
}

func runNegotiateCall(cmd *cobra.Command, args []string) {
	budget, err := decimal.NewFromString(negotiateBudget)
	if err != nil {
		fmt.Printf("Error: invalid --budget: %v\n", err)
		return
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(negotiateInput), &input); err != nil {
		fmt.Printf("Error: invalid --input JSON: %v\n", err)
		return
	}

	var provider llm.Provider
	if negotiateModel != "" {
		provider = llm.NewHTTPProvider("", firstNonEmptyEnv("OPENAI_API_KEY", "APEX_LLM_API_KEY"))
	}

	transport := &httpTransport{baseURL: apiURL, client: &http.Client{Timeout: 30 * time.Second}}
	n := buyer.New(transport, buyer.Options{
		Strategy: pricing.Strategy(negotiateStrategy),
		Model:    negotiateModel,
		Provider: provider,
	})

	fmt.Printf("Negotiating %q with budget %s (strategy %s)...\n", negotiateCapability, budget.StringFixed(2), negotiateStrategy)

	result := n.Call(context.Background(), negotiateCapability, input, budget, negotiateMaxRounds)
	switch result.Outcome {
	case buyer.OutcomeCompleted:
		fmt.Printf("Deal reached at %s (job %s)\n", result.Amount.StringFixed(2), result.JobID)
		out, _ := json.MarshalIndent(result.Output, "", "  ")
		fmt.Println(string(out))
	case buyer.OutcomeBudgetBelowFloor:
		fmt.Printf("No deal: estimate floor exceeds budget\n")
	case buyer.OutcomeBuyerRejected:
		fmt.Printf("No deal: seller's offers stayed above budget\n")
	case buyer.OutcomeMaxRoundsExceeded:
		fmt.Printf("No deal: round limit reached without agreement\n")
	default:
		fmt.Printf("No deal: %s\n", result.Message)
	}
}

// httpTransport is the net/http buyer.Transport implementation: each
// method marshals a JSON-RPC 2.0 request to the seller's /rpc endpoint.
type httpTransport struct {
	baseURL string
	client  *http.Client
	idSeq   int
}

func (t *httpTransport) nextID() int {
	t.idSeq++
	return t.idSeq
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      t.nextID(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Result map[string]any `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("negotiate: decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("negotiate: rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return envelope.Result, nil
}

func (t *httpTransport) Discover(ctx context.Context) (buyer.DiscoverResult, error) {
	res, err := t.call(ctx, "apex/discover", map[string]any{})
	if err != nil {
		return buyer.DiscoverResult{}, err
	}
	payment, _ := res["payment"].(map[string]any)
	addr, _ := payment["address"].(string)

	requiresEstimation := false
	if caps, ok := res["capabilities"].([]any); ok {
		for _, c := range caps {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			pr, _ := cm["pricing"].(map[string]any)
			if pr["requires_estimation"] == true {
				requiresEstimation = true
			}
		}
	}
	return buyer.DiscoverResult{PaymentAddress: addr, RequiresEstimation: requiresEstimation}, nil
}

func (t *httpTransport) Estimate(ctx context.Context, capability string, input map[string]any) (buyer.EstimateResult, error) {
	res, err := t.call(ctx, "apex/estimate", map[string]any{"capability": capability, "input": input})
	if err != nil {
		return buyer.EstimateResult{}, err
	}
	est, _ := res["estimate"].(map[string]any)
	amount := decimalFromAny(est["amount"])
	minimum := decimalFromAny(est["minimum"])
	estimateID, _ := res["estimate_id"].(string)
	reasoning, _ := res["reasoning"].(string)
	return buyer.EstimateResult{EstimateID: estimateID, Amount: amount, Minimum: minimum, Reasoning: reasoning}, nil
}

func (t *httpTransport) Propose(ctx context.Context, req buyer.ProposeRequest) (buyer.RoundResult, error) {
	return t.roundCall(ctx, "apex/propose", map[string]any{
		"capability":    req.Capability,
		"input":         req.Input,
		"job_id":        req.JobID,
		"offer":         map[string]any{"amount": req.Amount, "currency": req.Currency, "network": req.Network},
		"buyer_address": req.BuyerAddress,
		"estimate_id":   req.EstimateID,
	})
}

func (t *httpTransport) Counter(ctx context.Context, req buyer.CounterRequest) (buyer.RoundResult, error) {
	return t.roundCall(ctx, "apex/counter", map[string]any{
		"job_id": req.JobID,
		"offer":  map[string]any{"amount": req.Amount, "currency": req.Currency, "network": req.Network},
		"round":  req.Round,
		"input":  req.Input,
	})
}

func (t *httpTransport) Accept(ctx context.Context, req buyer.AcceptRequest) (buyer.RoundResult, error) {
	return t.roundCall(ctx, "apex/accept", map[string]any{
		"job_id": req.JobID,
		"terms":  map[string]any{"amount": req.Amount, "currency": req.Currency},
		"input":  req.Input,
	})
}

func (t *httpTransport) roundCall(ctx context.Context, method string, params any) (buyer.RoundResult, error) {
	res, err := t.call(ctx, method, params)
	if err != nil {
		return buyer.RoundResult{}, err
	}
	status, _ := res["status"].(string)
	jobID, _ := res["job_id"].(string)
	rr := buyer.RoundResult{Status: status, JobID: jobID}
	if status == "completed" {
		terms, _ := res["terms"].(map[string]any)
		rr.Amount = decimalFromAny(terms["amount"])
		rr.Output = res["output"]
		return rr, nil
	}
	offer, _ := res["offer"].(map[string]any)
	rr.Amount = decimalFromAny(offer["amount"])
	if round, ok := res["round"].(float64); ok {
		rr.Round = int(round)
	}
	rr.Reason, _ = res["reason"].(string)
	return rr, nil
}

func decimalFromAny(v any) decimal.Decimal {
	switch val := v.(type) {
	case string:
		d, _ := decimal.NewFromString(val)
		return d
	case float64:
		return decimal.NewFromFloat(val)
	default:
		return decimal.Zero
	}
}
