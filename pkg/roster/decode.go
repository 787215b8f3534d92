package roster

import (
	"encoding/json"
	"time"
)

// DecodeTransaction decodes one stored transaction record.
// It returns false for malformed or incomplete entries so callers can skip them.
func DecodeTransaction(raw []byte) (Transaction, bool) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return Transaction{}, false
	}
	if len(tx.ID) != idLength {
		return Transaction{}, false
	}
	if !(Candidate{Player: tx.Player, Team: tx.Team, Detail: tx.Detail, Date: tx.Date}).Complete() {
		return Transaction{}, false
	}
	return tx, true
}

// storedSubscriber mirrors Subscriber with an optional active flag;
// records written before the flag existed are active.
type storedSubscriber struct {
	CreatedAt    time.Time        `json:"createdAt"`
	IsActive     *bool            `json:"isActive"`
	Subscription PushSubscription `json:"subscription"`
	FirstName    string           `json:"firstName"`
	LastName     string           `json:"lastName"`
	Email        string           `json:"email"`
}

// DecodeSubscriber decodes one stored subscriber record.
// It returns false when the record is malformed or has no usable subscription.
func DecodeSubscriber(raw []byte) (Subscriber, bool) {
	var s storedSubscriber
	if err := json.Unmarshal(raw, &s); err != nil {
		return Subscriber{}, false
	}
	if !s.Subscription.Valid() {
		return Subscriber{}, false
	}
	active := true
	if s.IsActive != nil {
		active = *s.IsActive
	}
	return Subscriber{
		Subscription: s.Subscription,
		FirstName:    s.FirstName,
		LastName:     s.LastName,
		Email:        s.Email,
		CreatedAt:    s.CreatedAt,
		IsActive:     active,
	}, true
}
