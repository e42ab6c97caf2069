// Package storage persists the host's audit trail in BBolt.
// No core host state is stored here; the trail is append-only history.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

const auditFileName = "audit.db"

// AuditStore is an append-only audit log capped at a retention count
type AuditStore struct {
	db        *bbolt.DB
	logger    *zap.Logger
	retention int

	mu    sync.RWMutex
	count int
}

// AuditPath returns the audit database path for a data directory
func AuditPath(dataDir string) string {
	return filepath.Join(dataDir, auditFileName)
}

// OpenAuditStore opens or creates the audit database at path. retention caps the
// number of stored records; zero keeps everything.
func OpenAuditStore(path string, retention int, logger *zap.Logger) (*AuditStore, error) {
	logger = logger.Named("audit")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		if err != bolterrors.ErrTimeout {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		// Another process holds the lock. Move the file aside and start a fresh trail.
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		logger.Warn("Audit database locked, starting a new one",
			zap.String("path", path),
			zap.String("backup", backupPath))
		if renameErr := os.Rename(path, backupPath); renameErr != nil {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		db, err = bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit database after recovery attempt: %w", err)
		}
	}

	s := &AuditStore{db: db, logger: logger, retention: retention}
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(AuditRecordsBucket))
		if err != nil {
			return fmt.Errorf("failed to create audit bucket: %w", err)
		}
		s.count = bucket.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Audit store opened", zap.String("path", path), zap.Int("records", s.count))
	return s, nil
}

// ErrAuditLocked is returned by OpenAuditReader while a running host holds the database
var ErrAuditLocked = errors.New("audit database is locked by a running host")

// OpenAuditReader opens an existing audit database read-only for offline inspection.
// It never recovers a locked file.
func OpenAuditReader(path string, logger *zap.Logger) (*AuditStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolterrors.ErrTimeout) {
			return nil, ErrAuditLocked
		}
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return &AuditStore{db: db, logger: logger.Named("audit")}, nil
}

// auditKey orders records chronologically: {timestamp_ns}_{ulid}
func auditKey(timestamp time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", timestamp.UnixNano(), id))
}

// Save appends record, assigning ID and timestamp when unset, and prunes the
// oldest records beyond the retention cap.
func (s *AuditStore) Save(record *AuditRecord) error {
	if record == nil {
		return fmt.Errorf("audit record cannot be nil")
	}
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	data, err := record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return fmt.Errorf("audit bucket missing")
		}
		if err := bucket.Put(auditKey(record.Timestamp, record.ID), data); err != nil {
			return fmt.Errorf("failed to store audit record: %w", err)
		}
		count := s.count + 1

		if s.retention > 0 && count > s.retention {
			var stale [][]byte
			cursor := bucket.Cursor()
			for k, _ := cursor.First(); k != nil && count-len(stale) > s.retention; k, _ = cursor.Next() {
				stale = append(stale, append([]byte{}, k...))
			}
			for _, k := range stale {
				if err := bucket.Delete(k); err != nil {
					return fmt.Errorf("failed to prune audit record: %w", err)
				}
			}
			count -= len(stale)
		}

		s.count = count
		return nil
	})
}

// List returns records matching filter, newest first, plus the total match count
func (s *AuditStore) List(filter AuditFilter) ([]*AuditRecord, int, error) {
	filter.Validate()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*AuditRecord
	var total int

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditRecordsBucket))
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		skipped := 0
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			record := &AuditRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				s.logger.Warn("Failed to unmarshal audit record",
					zap.String("key", string(k)),
					zap.Error(err))
				continue
			}
			if !filter.Matches(record) {
				continue
			}

			total++
			if skipped < filter.Offset {
				skipped++
				continue
			}
			if len(records) < filter.Limit {
				records = append(records, record)
			}
		}
		return nil
	})

	return records, total, err
}

// Tail returns the n most recent records, oldest first
func (s *AuditStore) Tail(n int) ([]*AuditRecord, error) {
	records, _, err := s.List(AuditFilter{Limit: n})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Count returns the number of stored records
func (s *AuditStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// DB exposes the underlying database for health checks
func (s *AuditStore) DB() *bbolt.DB {
	return s.db
}

// Close closes the database
func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
