package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"roster-alerts/pkg/roster"
)

const (
	fingerprintKey = "fingerprint.txt"
	ledgerKey      = "transactions.json" // Array of records, newest first
	seenKey        = "seen.json"         // id -> first seen time
)

// Fingerprint returns the stored page fingerprint, or "" if none was stored yet.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	data, err := s.read(ctx, fingerprintKey)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("load fingerprint: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetFingerprint overwrites the stored page fingerprint.
func (s *Store) SetFingerprint(ctx context.Context, fingerprint string) error {
	if err := s.write(ctx, fingerprintKey, []byte(fingerprint)); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	s.logger.Debug("Fingerprint saved", "fingerprint", fingerprint)
	return nil
}

// IsKnown reports whether a transaction id has been seen.
// Ids present in the ledger but missing from the seen set count as known;
// that state is left behind by a crash between the two writes in AppendNew.
func (s *Store) IsKnown(ctx context.Context, id string) (bool, error) {
	seen, err := s.loadSeen(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := seen[id]; ok {
		return true, nil
	}

	records, err := s.loadLedger(ctx)
	if err != nil {
		return false, err
	}
	for _, tx := range records {
		if tx.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// AppendNew pushes each record onto the head of the ledger in order, trims the
// ledger to roster.MaxRecords and records the ids in the seen set. Ids of
// trimmed records leave the seen set and may be processed as new again.
func (s *Store) AppendNew(ctx context.Context, txs []roster.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	records, err := s.loadLedger(ctx)
	if err != nil {
		return err
	}

	head := make([]roster.Transaction, 0, len(txs)+len(records))
	for i := len(txs) - 1; i >= 0; i-- {
		head = append(head, txs[i])
	}
	records = append(head, records...)

	var evicted []roster.Transaction
	if len(records) > roster.MaxRecords {
		evicted = records[roster.MaxRecords:]
		records = records[:roster.MaxRecords]
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	// Ledger first: a crash before the seen set is written is reconciled by IsKnown.
	if err := s.write(ctx, ledgerKey, data); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}

	seen, err := s.loadSeen(ctx)
	if err != nil {
		return err
	}
	for _, tx := range evicted {
		delete(seen, tx.ID)
	}
	for _, tx := range txs {
		seen[tx.ID] = tx.SeenAt
	}
	data, err = json.Marshal(seen)
	if err != nil {
		return fmt.Errorf("marshal seen set: %w", err)
	}
	if err := s.write(ctx, seenKey, data); err != nil {
		return fmt.Errorf("save seen set: %w", err)
	}

	s.logger.Info("Transactions appended", "added", len(txs), "evicted", len(evicted), "ledger_size", len(records))
	return nil
}

// Recent returns up to limit transactions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]roster.Transaction, error) {
	records, err := s.loadLedger(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) loadLedger(ctx context.Context) ([]roster.Transaction, error) {
	data, err := s.read(ctx, ledgerKey)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}

	records := make([]roster.Transaction, 0, len(raw))
	for i, item := range raw {
		tx, ok := roster.DecodeTransaction(item)
		if !ok {
			s.logger.Warn("Skipping malformed ledger entry", "index", i)
			continue
		}
		records = append(records, tx)
	}
	return records, nil
}

func (s *Store) loadSeen(ctx context.Context) (map[string]time.Time, error) {
	seen := make(map[string]time.Time)
	data, err := s.read(ctx, seenKey)
	if err != nil {
		if IsNotFound(err) {
			return seen, nil
		}
		return nil, fmt.Errorf("load seen set: %w", err)
	}
	if err := json.Unmarshal(data, &seen); err != nil {
		return nil, fmt.Errorf("unmarshal seen set: %w", err)
	}
	return seen, nil
}
