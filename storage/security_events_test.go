package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logEvents(t *testing.T, store *Store, events ...SecurityEvent) {
	t.Helper()
	for _, event := range events {
		require.NoError(t, store.LogSecurityEvent(event))
	}
}

func TestSecurityEventsQuery(t *testing.T) {
	store := newTestStore(t)
	alice, bob, blank := "alice", "bob", "  "

	logEvents(t, store,
		SecurityEvent{EventType: SecurityEventIdentityKeyChanged, IdentityID: &alice, Severity: SecuritySeverityCritical, Timestamp: 1000},
		SecurityEvent{EventType: SecurityEventSessionReset, IdentityID: &bob, Details: `{"state":"initiated"}`, Timestamp: 2000},
		SecurityEvent{EventType: SecurityEventDecryptFailed, IdentityID: &blank, Severity: SecuritySeverityWarning, Timestamp: 3000},
		SecurityEvent{EventType: SecurityEventSessionReset, IdentityID: &alice, Timestamp: 4000},
	)

	tests := []struct {
		name  string
		query SecurityEventQuery
		want  []int64
	}{
		{name: "all newest first", query: SecurityEventQuery{}, want: []int64{4000, 3000, 2000, 1000}},
		{name: "by identity", query: SecurityEventQuery{IdentityID: "alice"}, want: []int64{4000, 1000}},
		{name: "by types", query: SecurityEventQuery{Types: []string{SecurityEventDecryptFailed, SecurityEventIdentityKeyChanged}}, want: []int64{3000, 1000}},
		{name: "at least warning", query: SecurityEventQuery{MinSeverity: SecuritySeverityWarning}, want: []int64{3000, 1000}},
		{name: "only critical", query: SecurityEventQuery{MinSeverity: SecuritySeverityCritical}, want: []int64{1000}},
		{name: "time window", query: SecurityEventQuery{Since: 2000, Until: 3000}, want: []int64{3000, 2000}},
		{name: "limit", query: SecurityEventQuery{Limit: 1}, want: []int64{4000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.SecurityEvents(tt.query)
			require.NoError(t, err)
			got := make([]int64, 0, len(events))
			for _, event := range events {
				got = append(got, event.Timestamp)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	page, err := store.SecurityEvents(SecurityEventQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	next, err := store.SecurityEvents(SecurityEventQuery{Limit: 2, BeforeID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, int64(2000), next[0].Timestamp)

	events, err := store.SecurityEvents(SecurityEventQuery{Types: []string{SecurityEventDecryptFailed}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].IdentityID, "blank identity stored as NULL")
	assert.Equal(t, "{}", events[0].Details)

	_, err = store.SecurityEvents(SecurityEventQuery{MinSeverity: "loud"})
	assert.ErrorIs(t, err, ErrInvalidSeverity)
}

func TestSecurityEventValidation(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.LogSecurityEvent(SecurityEvent{}))
	assert.Error(t, store.LogSecurityEvent(SecurityEvent{EventType: "x", Details: "not json"}))
	assert.ErrorIs(t, store.LogSecurityEvent(SecurityEvent{EventType: "x", Severity: "loud"}), ErrInvalidSeverity)
}

func TestSecurityEventRetention(t *testing.T) {
	store := newTestStore(t)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	logEvents(t, store,
		SecurityEvent{EventType: SecurityEventSessionReset, Timestamp: old},
		SecurityEvent{EventType: SecurityEventSessionReset},
	)

	pruned, err := store.SetSecurityEventRetention(time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	logEvents(t, store, SecurityEvent{EventType: SecurityEventDecryptFailed, Timestamp: old})
	store.pruneExpired(time.Now())

	events, err := store.SecurityEvents(SecurityEventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SecurityEventSessionReset, events[0].EventType)

	_, err = store.PruneSecurityEvents(0)
	assert.Error(t, err)
}
