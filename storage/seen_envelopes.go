package storage

import (
	"errors"
	"fmt"
)

// InsertSeenEnvelope marks an envelope id as processed.
// It reports false when the id had already been recorded.
func (s *Store) InsertSeenEnvelope(envelopeID string, receivedAt int64) (bool, error) {
	if envelopeID == "" {
		return false, errors.New("envelope_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO seen_envelopes (envelope_id, received_at) VALUES (?, ?)`,
		envelopeID,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert seen envelope %q: %w", envelopeID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen envelope %q: %w", envelopeID, err)
	}
	return rowsAffected > 0, nil
}

// PruneSeenEnvelopes removes ids recorded before cutoffTimestamp.
func (s *Store) PruneSeenEnvelopes(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_envelopes WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen envelopes: %w", err)
	}

	return res.RowsAffected()
}
