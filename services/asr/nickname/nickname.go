// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nickname assigns friendly paralog nicknames to records by
// matching their names against per-paralog patterns.
package nickname

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianASR/services/asr/records"
)

// Defaults.
const (
	DefaultSeparator  = "/"
	DefaultUnassigned = "unassigned"
)

var (
	// ErrNoPatterns is returned when Compile receives no patterns.
	ErrNoPatterns = errors.New("no paralog patterns")

	// ErrReservedField is returned when the output field is a fixed record
	// column.
	ErrReservedField = errors.New("nickname output field is reserved")
)

// Option customizes a Matcher.
type Option func(*Matcher)

// WithSeparator sets the string placed between several matching nicknames.
func WithSeparator(sep string) Option {
	return func(m *Matcher) { m.separator = sep }
}

// WithUnassigned sets the nickname of records matching no pattern.
func WithUnassigned(name string) Option {
	return func(m *Matcher) { m.unassigned = name }
}

// WithFields sets the annotation read for matching and the annotation
// written with the nickname.
func WithFields(source, output string) Option {
	return func(m *Matcher) {
		m.source = source
		m.output = output
	}
}

type entry struct {
	key string
	re  *regexp.Regexp
}

// Matcher holds compiled paralog patterns.
//
// Thread Safety: Safe for concurrent use.
type Matcher struct {
	entries    []entry
	separator  string
	unassigned string
	source     string
	output     string
}

// Compile builds a matcher from paralog patterns.
//
// Inputs:
//
//	patterns - Nickname to the regular expressions that identify it, e.g.
//	           {"S100A9": {"S100-A9", "MRP14"}}.
//	ignoreCase - Match case-insensitively.
//	opts - Separator, unassigned name and fields.
//
// Outputs:
//
//	*Matcher - The compiled matcher.
//	error - ErrNoPatterns, ErrReservedField, or an invalid expression.
func Compile(patterns map[string][]string, ignoreCase bool, opts ...Option) (*Matcher, error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}
	m := &Matcher{
		separator:  DefaultSeparator,
		unassigned: DefaultUnassigned,
		source:     records.FieldName,
		output:     records.FieldNickname,
	}
	for _, o := range opts {
		o(m)
	}
	if m.output == "" || records.IsReservedField(m.output) {
		return nil, fmt.Errorf("%w: %q", ErrReservedField, m.output)
	}

	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		exprs := patterns[key]
		if strings.TrimSpace(key) == "" || len(exprs) == 0 {
			return nil, fmt.Errorf("paralog %q: empty name or pattern list", key)
		}
		alts := make([]string, len(exprs))
		for i, e := range exprs {
			if _, err := regexp.Compile(e); err != nil {
				return nil, fmt.Errorf("paralog %q: %w", key, err)
			}
			alts[i] = "(?:" + e + ")"
		}
		expr := strings.Join(alts, "|")
		if ignoreCase {
			expr = "(?i)" + expr
		}
		m.entries = append(m.entries, entry{key: key, re: regexp.MustCompile(expr)})
	}
	return m, nil
}

// Nickname returns every matching paralog name, sorted and joined with the
// separator, or the unassigned name.
func (m *Matcher) Nickname(name string) string {
	var hits []string
	for _, e := range m.entries {
		if e.re.MatchString(name) {
			hits = append(hits, e.key)
		}
	}
	if len(hits) == 0 {
		return m.unassigned
	}
	return strings.Join(hits, m.separator)
}

// Apply annotates every kept record in the transaction with its nickname.
// Existing nicknames are overwritten so reruns converge.
func (m *Matcher) Apply(tx *records.Tx) error {
	for _, id := range tx.IDs() {
		r, _ := tx.Get(id)
		if !r.Keep {
			continue
		}
		if err := tx.Annotate(id, m.output, m.Nickname(r.Get(m.source))); err != nil {
			return err
		}
	}
	return nil
}
