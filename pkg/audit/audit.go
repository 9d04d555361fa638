// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package audit is the kernel's append-only denial log: every time a
// resource limit or capability check turns a caller away, a Record is
// written here. The badger store is opened in memory only, so the log does
// not outlive the process. It wires into proc.Kernel.OnDenied without proc
// knowing this package exists.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/timestamppb"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// Record is one denial entry: who was denied, what they were denied, and
// when. Time is a protobuf well-known Timestamp rather than time.Time,
// matching how pkg/resource/store kept its records timestamped, so a
// future delivery hook can forward a Record over a protobuf wire format
// without a conversion step.
type Record struct {
	ID     string                 `json:"id"`
	Time   *timestamppb.Timestamp `json:"time"`
	Uid    uint32                 `json:"uid"`
	Reason string                 `json:"reason"`
}

var (
	deniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nucleus",
		Subsystem: "audit",
		Name:      "denied_total",
		Help:      "Count of resource-limit and capability denials, by reason.",
	}, []string{"reason"})
	writeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nucleus",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Count of audit records that could not be persisted after retry.",
	})
)

// Register adds this package's collectors to reg. Safe to call once per
// registry; a second call on the same registry is a caller bug, not
// guarded against here (mirrors how the rest of this codebase treats
// prometheus registration).
func Register(reg prometheus.Registerer) error {
	if err := reg.Register(deniedTotal); err != nil {
		return err
	}
	return reg.Register(writeFailuresTotal)
}

// recordKey is seq, big-endian, so an iterator walks records in the order
// they were written.
func recordKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Log is the append-only denial store. A write that fails against badger
// (e.g. a transaction conflict under the in-memory store's own internal
// contention) is retried with backoff before being dropped and counted in
// writeFailuresTotal, mirroring the retry shape of a delta-stream send.
type Log struct {
	logger logr.Logger
	db     *badger.DB
	seq    *badger.Sequence
}

// Open creates an in-memory badger-backed audit log. A real deployment
// would point badger.DefaultOptions at a directory instead of WithInMemory;
// this core has no durable-storage requirement of its own, so in-memory is
// the only mode exercised.
func Open(logger logr.Logger) (*Log, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("audit: open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("audit-seq"), 1000)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: get sequence: %w", err)
	}
	return &Log{logger: logger.WithName("audit"), db: db, seq: seq}, nil
}

func (l *Log) Close() error {
	_ = l.seq.Release()
	return l.db.Close()
}

// Deny is the proc.AuditHook this log satisfies: record a denial for uid,
// retrying the badger write against transient conflicts before giving up.
func (l *Log) Deny(uid uint32, reason string) {
	deniedTotal.WithLabelValues(reason).Inc()
	rec := Record{ID: uuid.NewString(), Time: timestamppb.Now(), Uid: uid, Reason: reason}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (bool, error) {
		err := l.append(rec)
		if err != nil && !kernelerrors.Retryable(err) {
			return false, backoff.Permanent(err)
		}
		return true, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		writeFailuresTotal.Inc()
		l.logger.Error(err, "failed to persist audit record", "uid", uid, "reason", reason)
	}
}

// append serializes and writes rec. A sequence-cache refill or a badger
// transaction conflict is transient and worth retrying; a marshal failure
// is deterministic and would just burn the same 5 tries for nothing, so
// only the former are tagged Retryable for Deny's backoff loop to see.
func (l *Log) append(rec Record) error {
	seq, err := l.seq.Next()
	if err != nil {
		return kernelerrors.NewRetryable(err.Error())
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(seq), val)
	}); err != nil {
		return kernelerrors.NewRetryable(err.Error())
	}
	return nil
}

// Records returns every denial logged so far, oldest first.
func (l *Log) Records() ([]Record, error) {
	var out []Record
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
