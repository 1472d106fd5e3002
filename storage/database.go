package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "storage")

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "messages.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
	// DefaultSeenEnvelopeRetention bounds the replay-protection window.
	DefaultSeenEnvelopeRetention = 7 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  id          TEXT PRIMARY KEY,
  kind        TEXT NOT NULL CHECK(kind IN ('private','closed_group','open_group')),
  active_at   INTEGER NOT NULL DEFAULT 0,
  json        TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  direction       TEXT NOT NULL CHECK(direction IN ('incoming','outgoing')),
  source          TEXT NOT NULL DEFAULT '',
  sent_at         INTEGER NOT NULL,
  received_at     INTEGER NOT NULL,
  unread          INTEGER NOT NULL DEFAULT 0,
  expires_at      INTEGER NOT NULL DEFAULT 0,
  json            TEXT NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, received_at DESC, sent_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_sent_at
ON messages (conversation_id, sent_at, source);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_unread
ON messages (conversation_id, unread, received_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_expires_at
ON messages (expires_at) WHERE expires_at > 0;
`,
	`
CREATE TABLE IF NOT EXISTS devices (
  device_id           TEXT PRIMARY KEY,
  identity_id         TEXT NOT NULL,
  device_name         TEXT NOT NULL,
  ed25519_public_key  TEXT NOT NULL DEFAULT '',
  key_fingerprint     TEXT NOT NULL DEFAULT '',
  status              TEXT CHECK(status IN ('online','offline')) DEFAULT 'offline',
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_known_ip       TEXT,
  last_known_port     INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_devices_identity
ON devices (identity_id, device_id);
`,
	`
CREATE TABLE IF NOT EXISTS attachment_uploads (
  digest       TEXT PRIMARY KEY,
  url          TEXT NOT NULL,
  key          BLOB NOT NULL,
  size         INTEGER NOT NULL,
  stored_path  TEXT NOT NULL,
  uploaded_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_envelopes (
  envelope_id TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_envelopes_received_at
ON seen_envelopes (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type    TEXT NOT NULL,
  identity_id   TEXT,
  details       TEXT NOT NULL,
  severity      TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp     INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_identity
ON security_events (identity_id, timestamp DESC, id DESC);
`,
}

// Store persists conversations, messages and transport bookkeeping in SQLite.
type Store struct {
	db *sql.DB

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention atomic.Int64
	seenEnvelopeRetention  time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) the message database under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		seenEnvelopeRetention: DefaultSeenEnvelopeRetention,
	}
	store.securityEventRetention.Store(int64(DefaultSecurityEventRetention))
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// pruneExpired drops seen envelope ids and security events past their retention.
func (s *Store) pruneExpired(now time.Time) {
	if pruned, err := s.PruneSeenEnvelopes(now.Add(-s.seenEnvelopeRetention).UnixMilli()); err != nil {
		log.WithError(err).Warn("seen envelope prune failed")
	} else if pruned > 0 {
		log.WithField("pruned", pruned).Debug("pruned seen envelopes")
	}
	if pruned, err := s.PruneSecurityEvents(now.Add(-time.Duration(s.securityEventRetention.Load())).UnixMilli()); err != nil {
		log.WithError(err).Warn("security event prune failed")
	} else if pruned > 0 {
		log.WithField("pruned", pruned).Debug("pruned security events")
	}
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					log.WithError(err).Warn("WAL checkpoint failed")
				}
				s.pruneExpired(time.Now())
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
