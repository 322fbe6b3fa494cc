// Package protocol implements the JSON-RPC 2.0 dispatcher that maps
// incoming apex/* methods onto negotiation-engine operations. It owns
// the per-job engine map for its lifetime and mediates all access to
// it.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/machinelattice/apex/internal/estimator"
	"github.com/machinelattice/apex/internal/llm"
	"github.com/machinelattice/apex/internal/negotiation"
	"github.com/machinelattice/apex/internal/pricing"
)

// JSON-RPC error codes. Generic codes follow the standard reserved
// range; -3200x codes are negotiation-specific.
const (
	codeMethodNotFound    = -32601
	codeInternalError     = -32603
	codePricingNotNegotiable = -32007
	codeUnknownJob        = -32008
	codeBelowFixedPrice   = -32017
	codeOfferRejected     = -32018
	codeNegotiationExpired = -32019
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

func errorResponse(id any, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func resultResponse(id any, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// Handler is the user-supplied task logic invoked once a negotiation
// reaches ACCEPTED (or a Fixed offer clears in one round). It is opaque
// to the dispatcher beyond this signature and may suspend; the
// dispatcher enforces HandlerTimeout around the call.
type Handler func(ctx context.Context, input map[string]any) (any, error)

// Capability is one priced operation a seller agent exposes.
type Capability struct {
	ID          string
	Name        string
	Description string
	Pricing     pricing.Model
	Handler     Handler
}

// EventPublisher is the narrow side channel the dispatcher calls into
// for observability. It is never load-bearing: a nil or no-op
// implementation must not change negotiation outcomes.
type EventPublisher interface {
	PublishOffer(jobID string, party string, price decimal.Decimal)
	PublishTerminal(jobID string, state string)
}

// noopPublisher discards every event.
type noopPublisher struct{}

func (noopPublisher) PublishOffer(string, string, decimal.Decimal) {}
func (noopPublisher) PublishTerminal(string, string)                {}

// AgentIdentity is the agent metadata exposed by apex/discover.
type AgentIdentity struct {
	ID          string
	Name        string
	Description string
}

// PaymentCoordinates describe where settlement lands.
type PaymentCoordinates struct {
	Address    string
	Networks   []string
	Currencies []string
}

type job struct {
	mu         sync.Mutex
	engine     *negotiation.Engine
	capability string
}

// Dispatcher owns the job_id -> engine map and mediates every access to
// it. It is safe for concurrent use: the jobs map is guarded by its own
// lock for insertion/removal, and each job's engine is additionally
// guarded by a per-job mutex so receive_offer and handler invocation are
// serialized within a job without serializing across jobs.
type Dispatcher struct {
	Identity       AgentIdentity
	Payment        PaymentCoordinates
	Capabilities   map[string]Capability
	Estimator      *estimator.Estimator
	Provider       llm.Provider
	Events         EventPublisher
	HandlerTimeout time.Duration

	jobsMu sync.Mutex
	jobs   map[string]*job
}

// New constructs a Dispatcher. events may be nil (a no-op publisher is
// substituted).
func New(identity AgentIdentity, payment PaymentCoordinates, capabilities []Capability, est *estimator.Estimator, provider llm.Provider, events EventPublisher) *Dispatcher {
	caps := make(map[string]Capability, len(capabilities))
	for _, c := range capabilities {
		caps[c.ID] = c
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &Dispatcher{
		Identity:       identity,
		Payment:        payment,
		Capabilities:   caps,
		Estimator:      est,
		Provider:       provider,
		Events:         events,
		HandlerTimeout: 30 * time.Second,
		jobs:           make(map[string]*job),
	}
}

// Dispatch routes one JSON-RPC request to the matching operation.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "apex/discover":
		return d.handleDiscover(req)
	case "apex/estimate":
		return d.handleEstimate(ctx, req)
	case "apex/propose":
		return d.handlePropose(ctx, req)
	case "apex/counter":
		return d.handleCounter(ctx, req)
	case "apex/accept":
		return d.handleAccept(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (d *Dispatcher) handleDiscover(req Request) Response {
	caps := make([]map[string]any, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		caps = append(caps, map[string]any{
			"id":      c.ID,
			"name":    c.Name,
			"pricing": c.Pricing.ToWire(),
		})
	}
	return resultResponse(req.ID, map[string]any{
		"agent": map[string]any{
			"id":          d.Identity.ID,
			"name":        d.Identity.Name,
			"description": d.Identity.Description,
		},
		"capabilities": caps,
		"payment": map[string]any{
			"networks":   d.Payment.Networks,
			"currencies": d.Payment.Currencies,
			"address":    d.Payment.Address,
		},
	})
}

type estimateParams struct {
	Capability   string         `json:"capability"`
	Input        map[string]any `json:"input"`
}

func (d *Dispatcher) handleEstimate(ctx context.Context, req Request) Response {
	var p estimateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}
	cap, ok := d.Capabilities[p.Capability]
	if !ok {
		return errorResponse(req.ID, codeInternalError, fmt.Sprintf("unknown capability %q", p.Capability))
	}
	neg, ok := cap.Pricing.(pricing.Negotiated)
	if !ok || !neg.UsesEstimation() {
		return errorResponse(req.ID, codePricingNotNegotiable, "capability does not require estimation")
	}

	est, err := d.Estimator.EstimateTask(ctx, neg.Base(), p.Input, neg.Model, neg.Instructions, p.Capability)
	if err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}

	return resultResponse(req.ID, map[string]any{
		"status":      "estimated",
		"estimate_id": est.ID,
		"expires_at":  est.ExpiresAt,
		"estimate": map[string]any{
			"amount":   est.Amount,
			"minimum":  est.Minimum,
			"currency": neg.Currency(),
		},
		"negotiation": map[string]any{
			"target": est.Amount,
			"floor":  est.Minimum,
		},
		"factors":   est.Factors,
		"reasoning": est.Reasoning,
	})
}

type offerParams struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Network  string          `json:"network"`
}

type proposeParams struct {
	Capability   string         `json:"capability"`
	Input        map[string]any `json:"input"`
	JobID        string         `json:"job_id"`
	Offer        offerParams    `json:"offer"`
	BuyerAddress string         `json:"buyer_address"`
	EstimateID   string         `json:"estimate_id"`
}

func (d *Dispatcher) handlePropose(ctx context.Context, req Request) Response {
	var p proposeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}
	cap, ok := d.Capabilities[p.Capability]
	if !ok {
		return errorResponse(req.ID, codeInternalError, fmt.Sprintf("unknown capability %q", p.Capability))
	}

	switch pm := cap.Pricing.(type) {
	case pricing.Fixed:
		if p.Offer.Amount.LessThan(pm.Amount) {
			return errorResponse(req.ID, codeBelowFixedPrice,
				fmt.Sprintf("offer below fixed price: requires %s %s", pm.Amount.StringFixed(2), pm.Currency()))
		}
		return d.runHandlerAndRespond(ctx, req.ID, "", cap, p.Input, pm.Amount, pm.Currency())

	case pricing.Negotiated:
		target, minimum, taskCtx, errResp := d.resolveBounds(req.ID, pm, p)
		if errResp != nil {
			return *errResp
		}
		eng, err := negotiation.NewWithBounds(pm, target, minimum, negotiation.WithProvider(d.Provider), negotiation.WithTaskContext(taskCtx))
		if err != nil {
			return errorResponse(req.ID, codeInternalError, err.Error())
		}

		j := &job{engine: eng, capability: p.Capability}
		d.jobsMu.Lock()
		d.jobs[p.JobID] = j
		d.jobsMu.Unlock()

		return d.advanceJob(ctx, req.ID, p.JobID, j, cap, p.Input, p.Offer.Amount)

	default:
		return errorResponse(req.ID, codeInternalError, "unsupported pricing model")
	}
}

// resolveBounds resolves (target, minimum) for a Negotiated capability:
// either its legacy bounds directly, or by looking up a buyer-supplied
// estimate_id in the cache.
func (d *Dispatcher) resolveBounds(id any, pm pricing.Negotiated, p proposeParams) (decimal.Decimal, decimal.Decimal, negotiation.TaskContext, *Response) {
	if !pm.UsesEstimation() {
		return pm.Target, pm.Minimum, negotiation.TaskContext{}, nil
	}
	if p.EstimateID == "" {
		resp := errorResponse(id, codeInternalError, "estimate_id required for estimation-mode pricing")
		return decimal.Zero, decimal.Zero, negotiation.TaskContext{}, &resp
	}
	est, ok := d.Estimator.Cache.Get(p.EstimateID)
	if !ok {
		resp := errorResponse(id, codeInternalError, "unknown or expired estimate_id")
		return decimal.Zero, decimal.Zero, negotiation.TaskContext{}, &resp
	}
	return est.Amount, est.Minimum, negotiation.TaskContext{Reasoning: est.Reasoning}, nil
}

type counterParams struct {
	JobID string         `json:"job_id"`
	Offer offerParams    `json:"offer"`
	Round int            `json:"round"`
	Input map[string]any `json:"input"`
}

func (d *Dispatcher) handleCounter(ctx context.Context, req Request) Response {
	var p counterParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}
	j, ok := d.lookupJob(p.JobID)
	if !ok {
		return errorResponse(req.ID, codeUnknownJob, "unknown job_id")
	}
	cap, ok := d.Capabilities[j.capability]
	if !ok {
		return errorResponse(req.ID, codeInternalError, "capability no longer registered")
	}
	return d.advanceJob(ctx, req.ID, p.JobID, j, cap, p.Input, p.Offer.Amount)
}

type acceptParams struct {
	JobID string         `json:"job_id"`
	Terms offerParams    `json:"terms"`
	Input map[string]any `json:"input"`
}

// handleAccept treats an explicit accept message as a buyer offer at
// the seller's own last counter (or the negotiated target if no counter
// has been issued yet), which by construction always clears the
// engine's accept threshold.
func (d *Dispatcher) handleAccept(ctx context.Context, req Request) Response {
	var p acceptParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}
	j, ok := d.lookupJob(p.JobID)
	if !ok {
		return errorResponse(req.ID, codeUnknownJob, "unknown job_id")
	}
	cap, ok := d.Capabilities[j.capability]
	if !ok {
		return errorResponse(req.ID, codeInternalError, "capability no longer registered")
	}
	return d.advanceJob(ctx, req.ID, p.JobID, j, cap, p.Input, p.Terms.Amount)
}

func (d *Dispatcher) lookupJob(jobID string) (*job, bool) {
	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()
	j, ok := d.jobs[jobID]
	return j, ok
}

func (d *Dispatcher) removeJob(jobID string) {
	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()
	delete(d.jobs, jobID)
}

// advanceJob feeds one buyer offer into a job's engine under its
// per-job lock, translates the resulting state into a wire response,
// and on ACCEPTED invokes the handler and removes the job. The
// per-job lock is released before the handler runs: by the time
// ReceiveOffer returns ACCEPTED the job has already been scrubbed from
// the dispatcher's map, so holding the lock across the handler call is
// unnecessary.
func (d *Dispatcher) advanceJob(ctx context.Context, id any, jobID string, j *job, cap Capability, input map[string]any, offer decimal.Decimal) Response {
	j.mu.Lock()
	state, counter := j.engine.ReceiveOffer(ctx, offer)
	currency := j.engine.Currency()
	d.Events.PublishOffer(jobID, "buyer", offer)
	j.mu.Unlock()

	switch state {
	case negotiation.StateAccepted:
		d.removeJob(jobID)
		d.Events.PublishTerminal(jobID, "accepted")
		return d.runHandlerAndRespond(ctx, id, jobID, cap, input, offer, currency)

	case negotiation.StateInProgress:
		resp := map[string]any{
			"status":     "counter",
			"job_id":     jobID,
			"offer":      map[string]any{"amount": counter.Price, "currency": currency},
			"round":      counter.Round,
			"max_rounds": j.engine.MaxRounds(),
		}
		if counter.Reason != "" {
			resp["reason"] = counter.Reason
		}
		d.Events.PublishOffer(jobID, "seller", counter.Price)
		return resultResponse(id, resp)

	case negotiation.StateRejected:
		d.removeJob(jobID)
		d.Events.PublishTerminal(jobID, "rejected")
		return errorResponse(id, codeOfferRejected, "offer rejected")

	default: // StateExpired
		d.removeJob(jobID)
		d.Events.PublishTerminal(jobID, "expired")
		return errorResponse(id, codeNegotiationExpired, "negotiation expired")
	}
}

// runHandlerAndRespond invokes the user-supplied handler with a bounded
// timeout and wraps its output in a "completed" response. jobID may be
// empty for single-round Fixed-price settlements, which never entered
// the jobs map.
func (d *Dispatcher) runHandlerAndRespond(ctx context.Context, id any, jobID string, cap Capability, input map[string]any, amount decimal.Decimal, currency string) Response {
	hctx, cancel := context.WithTimeout(ctx, d.HandlerTimeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := cap.Handler(hctx, input)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return errorResponse(id, codeInternalError, r.err.Error())
		}
		return resultResponse(id, map[string]any{
			"status": "completed",
			"job_id": jobID,
			"terms":  map[string]any{"amount": amount, "currency": currency},
			"output": r.out,
		})
	case <-hctx.Done():
		return errorResponse(id, codeInternalError, "handler timed out")
	}
}
