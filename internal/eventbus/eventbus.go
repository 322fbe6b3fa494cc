// Package eventbus publishes negotiation lifecycle events over NATS for
// observability. It is an optional side channel the protocol dispatcher
// calls into if configured. It is never load-bearing for negotiation
// correctness, and is gracefully disabled when NATS_URL is unset.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

// Subjects used for negotiation lifecycle events.
const (
	SubjectOffer    = "negotiation.offer"
	SubjectCounter  = "negotiation.counter"
	SubjectTerminal = "negotiation.terminal"
	SubjectSettled  = "settlement.verified"
)

// OfferEvent is published whenever a buyer offer or seller counter is
// recorded by an engine.
type OfferEvent struct {
	JobID     string          `json:"job_id"`
	Party     string          `json:"party"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// TerminalEvent is published when a job reaches a terminal state.
type TerminalEvent struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementEvent is published after the settlement verifier resolves a
// payment proof.
type SettlementEvent struct {
	JobID     string    `json:"job_id"`
	Verified  bool      `json:"verified"`
	TxHash    string    `json:"tx_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes negotiation events to NATS. Constructed disabled (a
// no-op) when NATS_URL is unset.
type Bus struct {
	nc      *nats.Conn
	enabled bool
}

// New connects to NATS_URL if set; otherwise returns a disabled Bus
// whose Publish* methods are no-ops.
func New() (*Bus, error) {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		log.Printf("Eventbus: NATS_URL not set, event publishing disabled")
		return &Bus{enabled: false}, nil
	}

	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("Eventbus: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("Eventbus: reconnected to %v", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect to NATS: %w", err)
	}
	log.Printf("Eventbus: connected to %s", natsURL)
	return &Bus{nc: nc, enabled: true}, nil
}

// PublishOffer implements protocol.EventPublisher.
func (b *Bus) PublishOffer(jobID string, party string, price decimal.Decimal) {
	if !b.enabled {
		return
	}
	ev := OfferEvent{JobID: jobID, Party: party, Price: price, Timestamp: time.Now()}
	subject := SubjectOffer
	if party == "seller" {
		subject = SubjectCounter
	}
	b.publish(subject, ev)
}

// PublishTerminal implements protocol.EventPublisher.
func (b *Bus) PublishTerminal(jobID string, state string) {
	if !b.enabled {
		return
	}
	b.publish(SubjectTerminal, TerminalEvent{JobID: jobID, State: state, Timestamp: time.Now()})
}

// PublishSettlement emits the settlement verifier's outcome for a job.
func (b *Bus) PublishSettlement(jobID, txHash string, verified bool) {
	if !b.enabled {
		return
	}
	b.publish(SubjectSettled, SettlementEvent{JobID: jobID, Verified: verified, TxHash: txHash, Timestamp: time.Now()})
}

func (b *Bus) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Eventbus: marshal %s: %v", subject, err)
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		log.Printf("Eventbus: publish %s: %v", subject, err)
	}
}

// Close closes the NATS connection, if one was opened.
func (b *Bus) Close() {
	if b.enabled && b.nc != nil {
		b.nc.Close()
		log.Printf("Eventbus: connection closed")
	}
}

// Enabled reports whether this bus is actually publishing.
func (b *Bus) Enabled() bool { return b.enabled }
