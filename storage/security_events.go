package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

var ErrInvalidSeverity = errors.New("storage: invalid security event severity")

var severityRanks = map[string]int{
	SecuritySeverityInfo:     0,
	SecuritySeverityWarning:  1,
	SecuritySeverityCritical: 2,
}

// severityRankSQL orders the severity column so MinSeverity can compare it.
const severityRankSQL = `CASE severity WHEN 'critical' THEN 2 WHEN 'warning' THEN 1 ELSE 0 END`

func severityRank(severity string) (int, error) {
	rank, ok := severityRanks[severity]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}
	return rank, nil
}

// SetSecurityEventRetention sets how long security events are kept and
// drops everything already older than that. A non-positive retention
// restores the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention.Store(int64(retention))
	return s.PruneSecurityEvents(time.Now().Add(-retention).UnixMilli())
}

// LogSecurityEvent appends one event to the security log. Details must be a
// JSON document; empty details are stored as "{}".
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if _, err := severityRank(event.Severity); err != nil {
		return err
	}
	if strings.TrimSpace(event.Details) == "" {
		event.Details = "{}"
	} else if !json.Valid([]byte(event.Details)) {
		return fmt.Errorf("security event %q: details must be valid JSON", event.EventType)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	if event.IdentityID != nil {
		if trimmed := strings.TrimSpace(*event.IdentityID); trimmed != "" {
			event.IdentityID = &trimmed
		} else {
			event.IdentityID = nil
		}
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, identity_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.IdentityID), event.Details, event.Severity, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}
	return nil
}

// SecurityEvents returns the events matching q, newest first.
func (s *Store) SecurityEvents(q SecurityEventQuery) ([]SecurityEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if len(q.Types) > 0 {
		clauses = append(clauses, "event_type IN (?"+strings.Repeat(",?", len(q.Types)-1)+")")
		for _, eventType := range q.Types {
			args = append(args, eventType)
		}
	}
	if q.IdentityID != "" {
		clauses = append(clauses, "identity_id = ?")
		args = append(args, q.IdentityID)
	}
	if q.MinSeverity != "" {
		rank, err := severityRank(q.MinSeverity)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, severityRankSQL+" >= ?")
		args = append(args, rank)
	}
	if q.Since > 0 {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, q.Until)
	}
	if q.BeforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, q.BeforeID)
	}

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultSecurityEventLimit
	case limit > maxSecurityEventLimit:
		limit = maxSecurityEventLimit
	}

	query := `SELECT id, event_type, identity_id, details, severity, timestamp FROM security_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		var (
			event    SecurityEvent
			identity sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &identity, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.IdentityID = stringPtr(identity)
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneSecurityEvents deletes events logged before cutoff.
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}
