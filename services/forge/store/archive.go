// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file defines the run records kept in the archive and the hash
// chain that makes them tamper-evident.
//
// Records are append-only and keyed by sequence number; an ID index
// points at the newest version of each run. Each record carries a Hash
// computed from its content and a PrevHash linking to the record saved
// before it, so modifying any archived run breaks every link after it.
// VerifyChain detects the break.
package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Run status values stored in RunRecord.Status.
const (
	// StatusSucceeded means the artifact executed cleanly.
	StatusSucceeded = "succeeded"

	// StatusFailed means the workflow gave up with the artifact still broken.
	StatusFailed = "failed"

	// StatusError means the workflow itself faulted (transport, cancellation).
	StatusError = "error"
)

// Key prefixes. Records, the ID index, per-run error logs, and the
// chain head live in separate keyspaces.
const (
	recKeyPrefix = "rec:"
	idKeyPrefix  = "id:"
	errKeyPrefix = "errlog:"
	headKey      = "meta:chainhead"
)

// ErrRunNotFound is returned when a run ID has no archived record.
var ErrRunNotFound = errors.New("run not found in archive")

// RunRecord is the archived summary of one workflow run.
//
// Seq, Hash, and PrevHash are assigned by SaveRun; values provided by
// the caller are overwritten.
type RunRecord struct {
	ID        string   `json:"id"`
	Task      string   `json:"task"`
	Status    string   `json:"status"`
	EntryFile string   `json:"entry_file,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`

	EvolutionCycles   int `json:"evolution_cycles"`
	ExecutionAttempts int `json:"execution_attempts"`
	Escalations       int `json:"escalations"`
	HighestTier       int `json:"highest_tier"`

	Error string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Seq is the insertion order of this record, starting at 1.
	Seq uint64 `json:"seq"`

	// Hash is SHA-256 over the record's content and PrevHash.
	Hash string `json:"hash"`

	// PrevHash links to the previously saved record. Empty for the
	// first record in the archive.
	PrevHash string `json:"prev_hash,omitempty"`
}

// ErrorEntry is one classified failure appended to a run's error log.
type ErrorEntry struct {
	Attempt    int       `json:"attempt"`
	Tier       int       `json:"tier"`
	Signature  string    `json:"signature"`
	Diagnostic string    `json:"diagnostic"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ChainReport is the result of verifying the archive's hash chain.
type ChainReport struct {
	// Valid is true when every record's hash and link check out.
	Valid bool `json:"valid"`

	// Length is the number of records verified.
	Length int `json:"length"`

	// FinalHash is the hash of the newest record, empty when the
	// archive is empty or the chain is broken.
	FinalHash string `json:"final_hash,omitempty"`

	// BrokenSeq is the sequence number of the first record that failed
	// verification. Zero when the chain is intact.
	BrokenSeq uint64 `json:"broken_seq,omitempty"`

	// Message describes the failure in human terms.
	Message string `json:"message,omitempty"`
}

// chainHead tracks the newest record so SaveRun can link to it.
type chainHead struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// SaveRun appends a run record to the archive.
//
// Description:
//
//	Assigns the next sequence number, links the record to the current
//	chain head, computes its hash, and writes the record, the ID index,
//	and the new head in one transaction. Records are never mutated:
//	saving the same ID again appends a new version and repoints the ID
//	index, leaving the old version in the chain.
//
// Outputs:
//
//	RunRecord - The stored record with Seq, Hash, and PrevHash filled.
//	error - Non-nil on cancellation or storage failure.
func (a *Archive) SaveRun(ctx context.Context, rec RunRecord) (RunRecord, error) {
	if rec.ID == "" {
		return RunRecord{}, errors.New("run record requires an ID")
	}
	if strings.Contains(rec.ID, ":") {
		return RunRecord{}, fmt.Errorf("run ID %q must not contain ':'", rec.ID)
	}

	err := a.withTxn(ctx, func(txn *badger.Txn) error {
		head, err := readHead(txn)
		if err != nil {
			return err
		}

		rec.Seq = head.Seq + 1
		rec.PrevHash = head.Hash
		rec.Hash = computeRecordHash(&rec)

		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding run record: %w", err)
		}
		if err := txn.Set(recKey(rec.Seq), raw); err != nil {
			return fmt.Errorf("writing run record: %w", err)
		}
		seqBytes := []byte(strconv.FormatUint(rec.Seq, 10))
		if err := txn.Set([]byte(idKeyPrefix+rec.ID), seqBytes); err != nil {
			return fmt.Errorf("writing run index: %w", err)
		}

		newHead, err := json.Marshal(chainHead{Seq: rec.Seq, Hash: rec.Hash})
		if err != nil {
			return fmt.Errorf("encoding chain head: %w", err)
		}
		if err := txn.Set([]byte(headKey), newHead); err != nil {
			return fmt.Errorf("writing chain head: %w", err)
		}
		return nil
	})
	if err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

// GetRun fetches the newest version of a run record by ID.
//
// Outputs:
//
//	RunRecord - The archived record.
//	error - ErrRunNotFound when the ID is unknown.
func (a *Archive) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var rec RunRecord
	err := a.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("reading run index for %s: %w", id, err)
		}

		var seq uint64
		err = item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseUint(string(val), 10, 64)
			if perr != nil {
				return fmt.Errorf("corrupt run index for %s: %w", id, perr)
			}
			seq = parsed
			return nil
		})
		if err != nil {
			return err
		}

		recItem, err := txn.Get(recKey(seq))
		if err != nil {
			return fmt.Errorf("reading run %s at seq %d: %w", id, seq, err)
		}
		return recItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

// ListRuns returns archived runs, newest first.
//
// Inputs:
//
//	limit - Maximum records to return. Zero or negative means all.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	all, err := a.recordsInOrder(ctx)
	if err != nil {
		return nil, err
	}

	// The keyspace is ascending by sequence number, and a re-saved ID
	// has one record per save. Walk backwards and keep the first (that
	// is, newest) version of each ID.
	runs := make([]RunRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) >= limit {
			break
		}
		if containsRun(runs, all[i].ID) {
			continue
		}
		runs = append(runs, all[i])
	}
	return runs, nil
}

// AppendError adds an entry to a run's error log.
//
// The log is ordered by append position and lives outside the record
// hash chain, so it can be written while the run is in flight.
func (a *Archive) AppendError(ctx context.Context, runID string, entry ErrorEntry) error {
	if runID == "" {
		return errors.New("run ID is required")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	return a.withTxn(ctx, func(txn *badger.Txn) error {
		next, err := countKeys(txn, []byte(errKeyPrefix+runID+":"))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding error entry: %w", err)
		}
		if err := txn.Set(errKey(runID, next), raw); err != nil {
			return fmt.Errorf("writing error entry: %w", err)
		}
		return nil
	})
}

// Errors returns a run's error log in append order.
func (a *Archive) Errors(ctx context.Context, runID string) ([]ErrorEntry, error) {
	var entries []ErrorEntry
	prefix := []byte(errKeyPrefix + runID + ":")

	err := a.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry ErrorEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decoding error entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyChain checks every archived record against the hash chain.
//
// Description:
//
//	Walks records in insertion order, recomputing each hash and
//	verifying the PrevHash link to the record before it. Comparison is
//	constant-time so verification leaks nothing about how close a
//	forged hash is.
//
// Outputs:
//
//	ChainReport - Valid plus the break location when tampered.
//	error - Non-nil only on storage failure, not on a broken chain.
func (a *Archive) VerifyChain(ctx context.Context) (ChainReport, error) {
	report := ChainReport{Valid: true}

	all, err := a.recordsInOrder(ctx)
	if err != nil {
		return ChainReport{}, err
	}

	prevHash := ""
	for _, rec := range all {
		report.Length++

		if !hashEqual(rec.PrevHash, prevHash) {
			report.Valid = false
			report.BrokenSeq = rec.Seq
			report.Message = fmt.Sprintf(
				"chain broken at seq %d (run %s): expected PrevHash %s, got %s",
				rec.Seq, rec.ID, shortHash(prevHash), shortHash(rec.PrevHash))
			return report, nil
		}

		computed := computeRecordHash(&rec)
		if !hashEqual(computed, rec.Hash) {
			report.Valid = false
			report.BrokenSeq = rec.Seq
			report.Message = fmt.Sprintf(
				"hash mismatch at seq %d (run %s): computed %s, stored %s (record may have been modified)",
				rec.Seq, rec.ID, shortHash(computed), shortHash(rec.Hash))
			return report, nil
		}
		prevHash = rec.Hash
	}

	report.FinalHash = prevHash
	return report, nil
}

// recordsInOrder returns every archived record by ascending sequence
// number, including superseded versions of re-saved IDs.
func (a *Archive) recordsInOrder(ctx context.Context) ([]RunRecord, error) {
	var all []RunRecord
	prefix := []byte(recKeyPrefix)

	err := a.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec RunRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decoding run record: %w", err)
			}
			all = append(all, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// readHead loads the chain head, returning the zero head for an empty
// archive.
func readHead(txn *badger.Txn) (chainHead, error) {
	var head chainHead
	item, err := txn.Get([]byte(headKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return head, nil
	}
	if err != nil {
		return head, fmt.Errorf("reading chain head: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &head)
	})
	if err != nil {
		return head, fmt.Errorf("decoding chain head: %w", err)
	}
	return head, nil
}

// countKeys counts keys under prefix without loading values.
func countKeys(txn *badger.Txn, prefix []byte) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var n uint64
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n, nil
}

// computeRecordHash hashes the record's identity, outcome, and chain
// link. Null byte delimiters keep adjacent fields from colliding.
// Seq stays outside the hash because the key already pins it, and the
// per-run error log stays outside because it grows while the run is
// live.
func computeRecordHash(rec *RunRecord) string {
	var b strings.Builder
	fields := []string{
		rec.ID,
		rec.Task,
		rec.Status,
		rec.EntryFile,
		strings.Join(rec.Artifacts, ","),
		strconv.Itoa(rec.EvolutionCycles),
		strconv.Itoa(rec.ExecutionAttempts),
		strconv.Itoa(rec.Escalations),
		strconv.Itoa(rec.HighestTier),
		rec.Error,
		strconv.FormatInt(rec.StartedAt.UnixMilli(), 10),
		strconv.FormatInt(rec.FinishedAt.UnixMilli(), 10),
		rec.PrevHash,
	}
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(f)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// hashEqual compares two hashes in constant time.
func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// shortHash truncates a hash for error messages.
func shortHash(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-4:]
}

// recKey formats a record key. Fixed width keeps byte order and
// numeric order aligned.
func recKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", recKeyPrefix, n))
}

// errKey formats an error-log key for one run.
func errKey(runID string, n uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%06d", errKeyPrefix, runID, n))
}

// containsRun reports whether runs already holds id.
func containsRun(runs []RunRecord, id string) bool {
	for _, r := range runs {
		if r.ID == id {
			return true
		}
	}
	return false
}
