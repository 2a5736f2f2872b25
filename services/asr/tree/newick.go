// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"fmt"
	"strconv"
	"strings"
)

// newickParser is a recursive-descent parser over one Newick string.
// Bracketed comments (including NHX annotations) are skipped.
type newickParser struct {
	s      string
	pos    int
	blanks bool
}

func parseNewick(s string, blanks bool) (*proto, error) {
	p := &newickParser{s: s, blanks: blanks}
	root, err := p.subtree()
	if err != nil {
		return nil, err
	}
	p.skip()
	if p.pos >= len(p.s) || p.s[p.pos] != ';' {
		return nil, p.fail("expected ';'")
	}
	p.pos++
	p.skip()
	if p.pos != len(p.s) {
		return nil, p.fail("trailing data after ';'")
	}
	return root, nil
}

func (p *newickParser) fail(msg string) error {
	return malformed(fmt.Sprintf("newick offset %d: %s", p.pos, msg))
}

// skip advances over whitespace and bracketed comments.
func (p *newickParser) skip() {
	for p.pos < len(p.s) {
		switch c := p.s[p.pos]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			p.pos++
		case c == '[':
			end := strings.IndexByte(p.s[p.pos:], ']')
			if end < 0 {
				p.pos = len(p.s)
				return
			}
			p.pos += end + 1
		default:
			return
		}
	}
}

func (p *newickParser) peek() byte {
	p.skip()
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *newickParser) subtree() (*proto, error) {
	node := &proto{}
	if p.peek() == '(' {
		p.pos++
		for {
			child, err := p.subtree()
			if err != nil {
				return nil, err
			}
			node.children = append(node.children, child)
			switch p.peek() {
			case ',':
				p.pos++
				continue
			case ')':
				p.pos++
			default:
				return nil, p.fail("expected ',' or ')'")
			}
			break
		}
	}

	label, err := p.label()
	if err != nil {
		return nil, err
	}
	if len(node.children) > 0 {
		// Internal labels that parse as numbers are support values.
		if v, err := strconv.ParseFloat(label, 64); err == nil {
			node.node.Support = v
			node.node.HasSupport = true
			label = ""
		}
	}
	node.node.ID = label
	node.node.Label = label

	if p.peek() == ':' {
		p.pos++
		p.skip()
		start := p.pos
		for p.pos < len(p.s) && !strings.ContainsRune(",);[ \t\n\r", rune(p.s[p.pos])) {
			p.pos++
		}
		v, err := strconv.ParseFloat(p.s[start:p.pos], 64)
		if err != nil {
			return nil, p.fail(fmt.Sprintf("bad branch length %q", p.s[start:p.pos]))
		}
		node.node.Length = v
		node.node.HasLength = true
	}
	return node, nil
}

func (p *newickParser) label() (string, error) {
	p.skip()
	if p.pos < len(p.s) && p.s[p.pos] == '\'' {
		var b strings.Builder
		p.pos++
		for p.pos < len(p.s) {
			c := p.s[p.pos]
			if c == '\'' {
				if p.pos+1 < len(p.s) && p.s[p.pos+1] == '\'' {
					b.WriteByte('\'')
					p.pos += 2
					continue
				}
				p.pos++
				return b.String(), nil
			}
			b.WriteByte(c)
			p.pos++
		}
		return "", p.fail("unterminated quoted label")
	}
	start := p.pos
	for p.pos < len(p.s) && !strings.ContainsRune("(),:;[ \t\n\r'", rune(p.s[p.pos])) {
		p.pos++
	}
	if p.blanks {
		return strings.ReplaceAll(p.s[start:p.pos], "_", " "), nil
	}
	return p.s[start:p.pos], nil
}

// NewickOption customizes Newick output.
type NewickOption func(*newickConfig)

type newickConfig struct {
	internalIDs bool
	support     bool
	rename      func(string) string
}

// WithInternalIDs writes internal node identifiers as labels instead of
// support values.
func WithInternalIDs() NewickOption {
	return func(c *newickConfig) { c.internalIDs = true }
}

// WithoutSupport omits support values.
func WithoutSupport() NewickOption {
	return func(c *newickConfig) { c.support = false }
}

// WithLeafNames maps leaf identifiers to the names written out.
func WithLeafNames(rename func(id string) string) NewickOption {
	return func(c *newickConfig) { c.rename = rename }
}

// Newick serializes the tree.
func (t *Tree) Newick(opts ...NewickOption) string {
	cfg := newickConfig{support: true}
	for _, o := range opts {
		o(&cfg)
	}

	var b strings.Builder
	var write func(int)
	write = func(i int) {
		n := t.nodes[i]
		if !n.IsLeaf() {
			b.WriteByte('(')
			for k, c := range n.Children {
				if k > 0 {
					b.WriteByte(',')
				}
				write(c)
			}
			b.WriteByte(')')
			switch {
			case cfg.internalIDs:
				b.WriteString(quoteLabel(n.ID))
			case cfg.support && n.HasSupport:
				b.WriteString(strconv.FormatFloat(n.Support, 'g', -1, 64))
			}
		} else {
			name := n.ID
			if cfg.rename != nil {
				name = cfg.rename(name)
			}
			b.WriteString(quoteLabel(name))
		}
		if n.HasLength {
			b.WriteByte(':')
			b.WriteString(strconv.FormatFloat(n.Length, 'g', -1, 64))
		}
	}
	write(0)
	b.WriteByte(';')
	return b.String()
}

func quoteLabel(s string) string {
	if s == "" || !strings.ContainsAny(s, "()[]':;, \t\n") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
