// Package roster contains the core domain types for the roster transaction alert service.
package roster

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// MaxRecords is the number of transactions the ledger keeps; older records are trimmed.
const MaxRecords = 1000

// idLength is the number of hex characters kept from the content hash.
const idLength = 24

// Candidate is a parsed but not yet deduplicated transaction row.
type Candidate struct {
	Player string `json:"player"`
	Team   string `json:"team"`
	Detail string `json:"detail"`
	Date   string `json:"date"`
}

// Complete reports whether every field is present.
func (c Candidate) Complete() bool {
	return c.Player != "" && c.Team != "" && c.Detail != "" && c.Date != ""
}

// Transaction is a persisted roster move.
type Transaction struct {
	SeenAt time.Time `json:"seenAt"` // First local observation, never updated
	ID     string    `json:"id"`     // Content hash, see TransactionID
	Player string    `json:"player"`
	Team   string    `json:"team"`   // Canonical long-form team name
	Detail string    `json:"detail"` // "Signed", "Released", "Recalled", ...
	Date   string    `json:"date"`   // Source-reported date, not necessarily ISO
}

// Promote turns a candidate into a transaction first observed at seenAt.
func (c Candidate) Promote(seenAt time.Time) Transaction {
	return Transaction{
		ID:     TransactionID(c),
		Player: c.Player,
		Team:   c.Team,
		Detail: c.Detail,
		Date:   c.Date,
		SeenAt: seenAt.UTC(),
	}
}

// TransactionID derives the content-addressed identifier for a candidate.
// Two rows with identical date, player, team and detail always share an id;
// the source page has no row identifier of its own.
func TransactionID(c Candidate) string {
	sum := sha256.Sum256([]byte(c.Date + "|" + c.Player + "|" + c.Team + "|" + c.Detail))
	return hex.EncodeToString(sum[:])[:idLength]
}

// PushKeys are the client keys of a web push subscription.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is the opaque capability a browser hands out for push delivery.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

// Valid reports whether the endpoint and both keys are present.
func (p PushSubscription) Valid() bool {
	return p.Endpoint != "" && p.Keys.P256dh != "" && p.Keys.Auth != ""
}

// Subscriber is one push notification recipient, keyed by Subscription.Endpoint.
type Subscriber struct {
	CreatedAt    time.Time        `json:"createdAt"`
	Subscription PushSubscription `json:"subscription"`
	FirstName    string           `json:"firstName"`
	LastName     string           `json:"lastName"`
	Email        string           `json:"email"` // Lower-cased, display only
	IsActive     bool             `json:"isActive"`
}
