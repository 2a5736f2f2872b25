// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// blastOutput mirrors the parts of the BLAST+ XML report (-outfmt 5) that
// the pipeline consumes.
type blastOutput struct {
	XMLName    xml.Name         `xml:"BlastOutput"`
	Iterations []blastIteration `xml:"BlastOutput_iterations>Iteration"`
}

type blastIteration struct {
	QueryID  string     `xml:"Iteration_query-ID"`
	QueryDef string     `xml:"Iteration_query-def"`
	Hits     []blastHit `xml:"Iteration_hits>Hit"`
}

type blastHit struct {
	ID        string     `xml:"Hit_id"`
	Def       string     `xml:"Hit_def"`
	Accession string     `xml:"Hit_accession"`
	Len       int        `xml:"Hit_len"`
	Hsps      []blastHsp `xml:"Hit_hsps>Hsp"`
}

type blastHsp struct {
	BitScore float64 `xml:"Hsp_bit-score"`
	EValue   float64 `xml:"Hsp_evalue"`
	HSeq     string  `xml:"Hsp_hseq"`
}

var errNoReport = errors.New("no BlastOutput element")

// parseBlastXML decodes one report. Some BLAST builds emit stray
// CREATE_VIEW lines ahead of the XML declaration; they are dropped.
func parseBlastXML(data []byte) (*blastOutput, error) {
	if bytes.Contains(data, []byte("CREATE_VIEW")) {
		var kept [][]byte
		for _, line := range bytes.Split(data, []byte("\n")) {
			if strings.TrimSpace(string(line)) != "CREATE_VIEW" {
				kept = append(kept, line)
			}
		}
		data = bytes.Join(kept, []byte("\n"))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errNoReport
	}
	var out blastOutput
	if err := xml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// queryName is the query definition line's first word, falling back to
// the query ID when BLAST reports no definition line.
func (it blastIteration) queryName() string {
	def := strings.TrimSpace(it.QueryDef)
	if def == "" || def == "No definition line" {
		def = strings.TrimSpace(it.QueryID)
	}
	if f := strings.Fields(def); len(f) > 0 {
		return f[0]
	}
	return ""
}

// toHit converts the best-scoring HSP of a hit.
func (h blastHit) toHit(query string) (Hit, bool) {
	accession := strings.TrimSpace(h.Accession)
	if accession == "" {
		accession = accessionFromID(h.ID)
	}
	if accession == "" || len(h.Hsps) == 0 {
		return Hit{}, false
	}
	best := h.Hsps[0]
	for _, hsp := range h.Hsps[1:] {
		if hsp.EValue < best.EValue {
			best = hsp
		}
	}
	seq := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(best.HSeq), "-", ""))
	if seq == "" {
		return Hit{}, false
	}
	name, species := parseTitle(h.Def)
	return Hit{
		Accession: accession,
		Name:      name,
		Species:   species,
		Sequence:  seq,
		EValue:    best.EValue,
		BitScore:  best.BitScore,
		Length:    h.Len,
		Queries:   []string{query},
	}, true
}

// accessionFromID extracts the accession from a pipe-delimited NCBI
// identifier such as "ref|XP_001234.1|".
func accessionFromID(id string) string {
	parts := strings.Split(strings.TrimSpace(id), "|")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return strings.TrimSpace(id)
}

// parseTitle splits an NCBI title "name [species]". Merged titles carry
// several entries separated by " >"; only the first is used.
func parseTitle(title string) (name, species string) {
	if i := strings.Index(title, " >"); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if strings.HasSuffix(title, "]") {
		if open := strings.LastIndex(title, "["); open >= 0 {
			return strings.TrimSpace(title[:open]), strings.TrimSpace(title[open+1 : len(title)-1])
		}
	}
	return title, ""
}
