// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package records holds the sequence records of a reconstruction run.
//
// # Ownership Model
//
// The Store exclusively owns its records. Every mutation runs inside a
// transaction over a copy-on-write clone of the current state: either the
// whole transaction commits (and its changes are appended to the change log)
// or nothing does. Records are never deleted; dropping a record only flips
// its keep flag, so provenance survives into checkpoints.
//
// The store performs no file or network I/O of its own. Export and Import
// use caller-supplied readers and writers.
package records

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// state is an immutable snapshot once published by a commit.
type state struct {
	order []string
	byID  map[string]*Record
}

func newState() *state {
	return &state{byID: make(map[string]*Record)}
}

// Store is an insertion-ordered, uniquely keyed record collection.
//
// Thread Safety:
//
//	Safe for concurrent use. Transactions are serialized; readers see the
//	last committed state and never block writers for longer than a pointer
//	swap.
type Store struct {
	mu      sync.Mutex // serializes transactions
	readMu  sync.RWMutex
	current *state
	changes []Change
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{current: newState()}
}

func (s *Store) snapshot() *state {
	s.readMu.RLock()
	defer s.readMu.RUnlock()
	return s.current
}

// Len returns the number of records, dropped ones included.
func (s *Store) Len() int {
	return len(s.snapshot().order)
}

// Get returns a copy of the record with the given identifier.
func (s *Store) Get(id string) (Record, bool) {
	r, ok := s.snapshot().byID[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// IDs returns every identifier in insertion order.
func (s *Store) IDs() []string {
	return slices.Clone(s.snapshot().order)
}

// All yields copies of every record in insertion order.
func (s *Store) All() iter.Seq[Record] {
	st := s.snapshot()
	return func(yield func(Record) bool) {
		for _, id := range st.order {
			if !yield(st.byID[id].Clone()) {
				return
			}
		}
	}
}

// Filter returns a lazy sequence of identifiers whose record matches pred.
//
// Description:
//
//	The sequence iterates the state committed when Filter was called.
//	Nothing is evaluated until the sequence is ranged over, and the store
//	is never mutated.
//
// Inputs:
//
//	pred - Predicate over a copy of each record. Must not be nil.
//
// Outputs:
//
//	iter.Seq[string] - Matching identifiers in insertion order.
func (s *Store) Filter(pred func(Record) bool) iter.Seq[string] {
	st := s.snapshot()
	return func(yield func(string) bool) {
		for _, id := range st.order {
			if !pred(st.byID[id].Clone()) {
				continue
			}
			if !yield(id) {
				return
			}
		}
	}
}

// Kept is a Filter predicate selecting non-dropped records.
func Kept(r Record) bool {
	return r.Keep
}

// View returns the materialized non-dropped records in insertion order.
func (s *Store) View() View {
	st := s.snapshot()
	v := View{index: make(map[string]int)}
	for _, id := range st.order {
		r := st.byID[id]
		if !r.Keep {
			continue
		}
		v.index[id] = len(v.Records)
		v.Records = append(v.Records, r.Clone())
	}
	return v
}

// Changes returns a copy of the change log.
func (s *Store) Changes() []Change {
	s.readMu.RLock()
	defer s.readMu.RUnlock()
	return slices.Clone(s.changes)
}

// Add inserts records outside any stage. See Tx.Add.
func (s *Store) Add(recs ...Record) ([]string, error) {
	var ids []string
	err := s.Update(func(tx *Tx) error {
		var err error
		ids, err = tx.Add(recs...)
		return err
	})
	return ids, err
}

// Annotate sets one annotation field. See Tx.Annotate.
func (s *Store) Annotate(id, field, value string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Annotate(id, field, value)
	})
}

// Drop flags a record dropped. See Tx.Drop.
func (s *Store) Drop(id, reason string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Drop(id, reason)
	})
}

// Update runs fn in a transaction that is not attributed to any stage.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.UpdateStage("", fn)
}

// UpdateStage runs fn in a transaction attributed to a stage.
//
// Description:
//
//	fn receives a Tx over a copy-on-write clone of the current state. If fn
//	returns nil, the clone replaces the current state and the transaction's
//	changes are appended to the change log. If fn returns an error (or
//	panics) the clone is discarded and the store is unchanged.
//
// Inputs:
//
//	stage - Stage name recorded on each change. May be empty.
//	fn - Transaction body. Must not retain tx after returning.
//
// Outputs:
//
//	error - The error returned by fn, unchanged.
//
// Thread Safety:
//
//	Transactions are serialized. fn must not call mutating Store methods.
func (s *Store) UpdateStage(stage string, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.snapshot()
	tx := &Tx{
		stage: stage,
		state: &state{
			order: slices.Clone(base.order),
			byID:  make(map[string]*Record, len(base.byID)),
		},
		owned: make(map[string]bool),
	}
	for id, r := range base.byID {
		tx.state.byID[id] = r
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()
	next := len(s.changes)
	for i := range tx.changes {
		tx.changes[i].Seq = next + i + 1
	}
	s.current = tx.state
	s.changes = append(s.changes, tx.changes...)
	return nil
}

// Tx is an open transaction. It is only valid inside the function passed to
// Update or UpdateStage.
type Tx struct {
	stage   string
	state   *state
	owned   map[string]bool
	changes []Change
}

// Stage returns the stage the transaction is attributed to.
func (tx *Tx) Stage() string {
	return tx.stage
}

// Get returns a copy of a record as seen by the transaction.
func (tx *Tx) Get(id string) (Record, bool) {
	r, ok := tx.state.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// IDs returns the identifiers visible to the transaction.
func (tx *Tx) IDs() []string {
	return slices.Clone(tx.state.order)
}

// mutable returns a record the transaction may modify in place.
func (tx *Tx) mutable(id string) (*Record, error) {
	r, ok := tx.state.byID[id]
	if !ok {
		return nil, asrerr.New(asrerr.KindUnknownIdentifier, id).WithRecord(id)
	}
	if !tx.owned[id] {
		c := r.Clone()
		r = &c
		tx.state.byID[id] = r
		tx.owned[id] = true
	}
	return r, nil
}

func (tx *Tx) log(action Action, id, field, before, after string) {
	tx.changes = append(tx.changes, Change{
		Stage:  tx.stage,
		Action: action,
		Record: id,
		Field:  field,
		Before: before,
		After:  after,
	})
}

// Add inserts records and returns their identifiers.
//
// Description:
//
//	Records without an ID receive a deterministic fresh identifier derived
//	from their content. A record whose explicit ID already exists (in the
//	store or earlier in the same call) fails the whole call with
//	DuplicateIdentifier. New records are always kept; a record with no
//	lineage becomes its own lineage root.
//
// Inputs:
//
//	recs - Records to add. Annotations are copied.
//
// Outputs:
//
//	[]string - Assigned identifiers, in input order.
//	error - DuplicateIdentifier, or MalformedSeed for an invalid explicit
//	        ID or a value containing a carriage return.
func (tx *Tx) Add(recs ...Record) ([]string, error) {
	ids := make([]string, 0, len(recs))
	taken := func(id string) bool {
		_, ok := tx.state.byID[id]
		return ok
	}

	for _, in := range recs {
		r := in.Clone()
		for field := range r.Annotations {
			if IsReservedField(field) || field == "" {
				return nil, asrerr.Newf(asrerr.KindMalformedSeed, "reserved annotation field %q", field)
			}
			if !tableSafe(field) || !tableSafe(r.Annotations[field]) {
				return nil, asrerr.Newf(asrerr.KindMalformedSeed, "annotation %q contains a carriage return", field)
			}
			if r.Annotations[field] == "" {
				delete(r.Annotations, field)
			}
		}
		if !tableSafe(r.Sequence) || !tableSafe(r.Aligned) {
			return nil, asrerr.New(asrerr.KindMalformedSeed, "sequence contains a carriage return")
		}
		if r.ID == "" {
			r.ID = deriveID(r, taken)
		} else {
			if !ValidID(r.ID) {
				return nil, asrerr.Newf(asrerr.KindMalformedSeed, "invalid identifier %q", r.ID)
			}
			if taken(r.ID) {
				return nil, asrerr.New(asrerr.KindDuplicateIdentifier, r.ID).WithRecord(r.ID)
			}
		}
		r.Keep = true
		r.DropReason = ""
		r.DropStage = ""
		if len(r.Lineage) == 0 {
			r.Lineage = []string{r.ID}
		}

		tx.state.byID[r.ID] = &r
		tx.state.order = append(tx.state.order, r.ID)
		tx.owned[r.ID] = true
		tx.log(ActionAdd, r.ID, "", "", r.Sequence)
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Annotate sets field to value on a record. An empty value clears the field.
// Values containing a carriage return are rejected with MalformedSeed.
func (tx *Tx) Annotate(id, field, value string) error {
	if field == "" || IsReservedField(field) {
		return fmt.Errorf("%w: cannot annotate field %q", ErrReservedField, field)
	}
	if !tableSafe(field) || !tableSafe(value) {
		return asrerr.Newf(asrerr.KindMalformedSeed, "annotation %q contains a carriage return", field).WithRecord(id)
	}
	r, err := tx.mutable(id)
	if err != nil {
		return err
	}
	before := r.Annotations[field]
	if before == value {
		return nil
	}
	if value == "" {
		delete(r.Annotations, field)
	} else {
		r.Annotations[field] = value
	}
	tx.log(ActionAnnotate, id, field, before, value)
	return nil
}

// SetAligned records the alignment row of a record.
func (tx *Tx) SetAligned(id, aligned string) error {
	if !tableSafe(aligned) {
		return asrerr.New(asrerr.KindMalformedSeed, "alignment row contains a carriage return").WithRecord(id)
	}
	r, err := tx.mutable(id)
	if err != nil {
		return err
	}
	if r.Aligned == aligned {
		return nil
	}
	before := r.Aligned
	r.Aligned = aligned
	tx.log(ActionAlign, id, ColumnAligned, before, aligned)
	return nil
}

// Drop flags a record dropped with a reason. Dropping an already dropped
// record is a no-op that keeps the original reason. Reasons often carry
// tool diagnostics, so carriage returns in them are removed.
func (tx *Tx) Drop(id, reason string) error {
	r, ok := tx.state.byID[id]
	if !ok {
		return asrerr.New(asrerr.KindUnknownIdentifier, id).WithRecord(id)
	}
	if !r.Keep {
		return nil
	}
	m, err := tx.mutable(id)
	if err != nil {
		return err
	}
	reason = strings.ReplaceAll(reason, "\r", "")
	m.Keep = false
	m.DropReason = reason
	m.DropStage = tx.stage
	tx.log(ActionDrop, id, ColumnKeep, "true", reason)
	return nil
}

// ExtendLineage adds seed identifiers to a record's lineage, keeping it
// sorted and free of duplicates.
func (tx *Tx) ExtendLineage(id string, seeds ...string) error {
	r, err := tx.mutable(id)
	if err != nil {
		return err
	}
	merged := slices.Clone(r.Lineage)
	for _, s := range seeds {
		if !slices.Contains(merged, s) {
			merged = append(merged, s)
		}
	}
	if len(merged) == len(r.Lineage) {
		return nil
	}
	slices.Sort(merged)
	before := strings.Join(r.Lineage, lineageSeparator)
	r.Lineage = merged
	tx.log(ActionLineage, id, ColumnLineage, before, strings.Join(merged, lineageSeparator))
	return nil
}
