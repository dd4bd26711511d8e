package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"livewatch/internal/models"
)

var (
	bucketVerdicts = []byte("uptime_records")
	bucketConfig   = []byte("config")
)

// boltRecord is the value stored per verdict; keys carry the timestamp.
type boltRecord struct {
	Status         bool    `json:"status"`
	ResponseTimeNS *int64  `json:"response_time_ns,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
}

// BoltStore keeps verdicts in a bbolt bucket keyed by big-endian
// (unix nanos, sequence), so cursor order is time order.
type BoltStore struct {
	db              *bolt.DB
	now             func() time.Time
	defaultInterval int
}

// OpenBolt opens (or creates) the bolt file at opts.Path.
func OpenBolt(opts Options) (*BoltStore, error) {
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open failed: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketVerdicts); err != nil {
			return err
		}
		cfg, err := tx.CreateBucketIfNotExists(bucketConfig)
		if err != nil {
			return err
		}
		if cfg.Get([]byte(keyCheckInterval)) == nil {
			return cfg.Put([]byte(keyCheckInterval), []byte(strconv.Itoa(opts.DefaultInterval)))
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise buckets: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &BoltStore{db: db, now: now, defaultInterval: opts.DefaultInterval}, nil
}

// Append stores one verdict; the transaction commit syncs to disk.
func (s *BoltStore) Append(_ context.Context, v models.Verdict) error {
	rec := boltRecord{Status: v.Status, ErrorMessage: v.ErrorMessage}
	if v.ResponseTime != nil {
		ns := int64(*v.ResponseTime)
		rec.ResponseTimeNS = &ns
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVerdicts)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(verdictKey(v.Timestamp.UnixNano(), seq), value)
	})
	if err != nil {
		return wrapBolt("insert verdict", err)
	}
	return nil
}

// Load returns verdicts newer than now-maxAge.
func (s *BoltStore) Load(_ context.Context, maxAge time.Duration) ([]models.Verdict, error) {
	cutoff, bounded := cutoffFor(s.now(), maxAge)
	verdicts := make([]models.Verdict, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVerdicts).Cursor()
		var k, v []byte
		if bounded {
			// strictly greater than cutoff: seek past every key with ts == cutoff
			k, v = c.Seek(verdictKey(cutoff.UnixNano()+1, 0))
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			verdict, err := decodeVerdict(k, v)
			if err != nil {
				return err
			}
			verdicts = append(verdicts, verdict)
		}
		return nil
	})
	if err != nil {
		return nil, wrapBolt("query verdicts", err)
	}
	return verdicts, nil
}

// Prune deletes verdicts older than now-retention and records last_cleanup.
func (s *BoltStore) Prune(_ context.Context, retention time.Duration) (int64, error) {
	now := s.now()
	cutoff, ok := cutoffFor(now, retention)
	if !ok {
		return 0, fmt.Errorf("prune: retention must be positive, got %s", retention)
	}
	limit := verdictKey(cutoff.UnixNano(), 0)

	var removed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVerdicts)
		// collect first: deleting under a live cursor skips keys
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = int64(len(stale))
		return tx.Bucket(bucketConfig).Put([]byte(keyLastCleanup), []byte(now.UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return 0, wrapBolt("prune verdicts", err)
	}
	return removed, nil
}

// LastCleanup returns the time of the last prune, or zero.
func (s *BoltStore) LastCleanup(_ context.Context) (time.Time, error) {
	raw, err := s.configValue(keyLastCleanup)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last cleanup: %w", err)
	}
	return ts, nil
}

// CheckInterval returns the durable interval in seconds.
func (s *BoltStore) CheckInterval(_ context.Context) (int, error) {
	raw, err := s.configValue(keyCheckInterval)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return s.defaultInterval, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse check interval %q: %w", raw, err)
	}
	return n, nil
}

// SetCheckInterval overwrites the durable interval.
func (s *BoltStore) SetCheckInterval(_ context.Context, seconds int) error {
	if seconds <= 0 {
		return ErrInvalidInterval
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(keyCheckInterval), []byte(strconv.Itoa(seconds)))
	})
	if err != nil {
		return wrapBolt("update check interval", err)
	}
	return nil
}

// Close releases the bolt file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) configValue(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketConfig).Get([]byte(key)); raw != nil {
			value = string(raw)
		}
		return nil
	})
	if err != nil {
		return "", wrapBolt("read config "+key, err)
	}
	return value, nil
}

func verdictKey(unixNano int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(unixNano))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func decodeVerdict(key, value []byte) (models.Verdict, error) {
	if len(key) != 16 {
		return models.Verdict{}, fmt.Errorf("malformed verdict key %x", key)
	}
	var rec boltRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return models.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	v := models.Verdict{
		Timestamp:    time.Unix(0, int64(binary.BigEndian.Uint64(key[:8]))).UTC(),
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
	}
	if rec.ResponseTimeNS != nil {
		d := time.Duration(*rec.ResponseTimeNS)
		v.ResponseTime = &d
	}
	return v, nil
}

func wrapBolt(op string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return fmt.Errorf("%s: %w", op, err)
}
