// Package transcript implements the hash-chained, append-only negotiation
// log. Its sole function is tamper-evidence within a single job: any
// reordering or redaction of past entries invalidates the trailing hash.
package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Party identifies who produced a transcript entry.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartySystem Party = "system"
)

// Action identifies what happened.
type Action string

const (
	ActionOffer   Action = "offer"
	ActionCounter Action = "counter"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionExpired Action = "expired"
)

// Entry is a single immutable transcript record.
type Entry struct {
	Party     Party
	Action    Action
	Price     *decimal.Decimal // nil when the action carries no price
	Timestamp time.Time
	Hash      string
}

// genesisHash is prev_hash for the first entry in a chain.
const genesisHash = "0"

// Log is an append-only, chained sequence of Entry values for one job.
type Log struct {
	entries []Entry
}

// Append computes the chained hash for a new event and appends it. It
// returns the appended entry.
func (l *Log) Append(party Party, action Action, price *decimal.Decimal, ts time.Time) Entry {
	prev := genesisHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	e := Entry{
		Party:     party,
		Action:    action,
		Price:     price,
		Timestamp: ts,
		Hash:      chainHash(prev, party, action, price, ts),
	}
	l.entries = append(l.entries, e)
	return e
}

// Entries returns the full transcript in order. The slice must not be
// mutated by callers.
func (l *Log) Entries() []Entry {
	return l.entries
}

// Last returns the most recently appended entry, if any.
func (l *Log) Last() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Verify recomputes the chain from scratch and reports whether every
// entry's recorded hash matches the recomputed one: recomputing
// h_k = SHA256(h_{k-1} || party || action || price || ts)[:16] must
// reproduce the recorded hashes bit-for-bit.
func (l *Log) Verify() bool {
	prev := genesisHash
	for _, e := range l.entries {
		want := chainHash(prev, e.Party, e.Action, e.Price, e.Timestamp)
		if want != e.Hash {
			return false
		}
		prev = e.Hash
	}
	return true
}

func chainHash(prevHash string, party Party, action Action, price *decimal.Decimal, ts time.Time) string {
	priceStr := "None"
	if price != nil {
		priceStr = price.String()
	}
	payload := fmt.Sprintf("%s:%s:%s:%s:%s", prevHash, party, action, priceStr, ts.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
