// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package species resolves species names to a species tree through a
// taxonomic reference service.
package species

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// DefaultEndpoint is the public Open Tree of Life API.
const DefaultEndpoint = "https://api.opentreeoflife.org"

// Source resolves species names to a species tree whose leaves are the
// queried names.
type Source interface {
	Resolve(ctx context.Context, names []string) (*tree.Tree, error)
}

// Config configures a Client.
type Config struct {
	Endpoint string

	// Rate is the sustained request rate per second; Burst the bucket size.
	Rate  float64
	Burst int

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to an Open Tree of Life compatible service.
//
// Description:
//
//	Names are matched to taxa with the TNRS endpoint, then the induced
//	subtree over the matched taxa is fetched and relabeled with the
//	queried names. Concurrent lookups of the same name set share one
//	request and results are cached for the life of the client.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	flight   singleflight.Group
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]*tree.Tree
}

// NewClient creates a client. Zero values fall back to the public
// endpoint, 2 requests per second, and a 30s request timeout.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		timeout:  cfg.Timeout,
		logger:   logger,
		cache:    make(map[string]*tree.Tree),
	}
}

// Resolve returns the species tree over names.
//
// Inputs:
//
//	ctx - Ends this caller's wait. A lookup shared with other callers
//	      keeps running, bounded by the client timeout per request.
//	names - Species names. Blank and repeated names are ignored.
//
// Outputs:
//
//	*tree.Tree - Species tree whose leaves are exactly the distinct names.
//	error - SpeciesNotFound listing names the service cannot match.
func (c *Client) Resolve(ctx context.Context, names []string) (*tree.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uniq := normalize(names)
	if len(uniq) == 0 {
		return nil, fmt.Errorf("no species names to resolve")
	}
	key := strings.Join(uniq, "\x00")

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		// The flight outlives any one waiter. Two requests plus the
		// rate-limit waits must fit in twice the request timeout.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.timeout)
		defer cancel()
		t, err := c.fetch(fctx, uniq)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = t
		c.mu.Unlock()
		return t, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tree.Tree).Clone(), nil
	}
}

func normalize(names []string) []string {
	var out []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type matchRequest struct {
	Names                 []string `json:"names"`
	DoApproximateMatching bool     `json:"do_approximate_matching"`
}

type matchResponse struct {
	Results []struct {
		Name    string `json:"name"`
		Matches []struct {
			Taxon struct {
				OTTID      int64  `json:"ott_id"`
				UniqueName string `json:"unique_name"`
			} `json:"taxon"`
		} `json:"matches"`
	} `json:"results"`
	UnmatchedNames []string `json:"unmatched_names"`
}

type subtreeRequest struct {
	OTTIDs      []int64 `json:"ott_ids"`
	LabelFormat string  `json:"label_format"`
}

type subtreeResponse struct {
	Newick string `json:"newick"`
}

func (c *Client) fetch(ctx context.Context, names []string) (*tree.Tree, error) {
	start := time.Now()
	ids, err := c.match(ctx, names)
	if err != nil {
		return nil, err
	}

	byLabel := make(map[string]string, len(ids))
	for name, id := range ids {
		byLabel[ottLabel(id)] = name
	}
	if len(byLabel) != len(names) {
		return nil, asrerr.Newf(asrerr.KindSpeciesNotFound, "names resolve to shared taxa: %v", names)
	}

	// A single taxon has no induced subtree; it is the whole tree.
	if len(names) == 1 {
		return tree.FromEdges([]tree.Edge{{Node: names[0], Label: names[0]}}, tree.KindSpecies)
	}

	req := subtreeRequest{LabelFormat: "id"}
	for _, name := range names {
		req.OTTIDs = append(req.OTTIDs, ids[name])
	}
	var resp subtreeResponse
	if err := c.post(ctx, "/v3/tree_of_life/induced_subtree", req, &resp); err != nil {
		return nil, err
	}

	induced, err := tree.ParseNewick(resp.Newick, tree.KindSpecies)
	if err != nil {
		return nil, fmt.Errorf("induced subtree: %w", err)
	}
	edges := induced.Edges()
	found := 0
	for i, e := range edges {
		name, ok := byLabel[e.Node]
		if !ok {
			continue
		}
		idx, _ := induced.Index(e.Node)
		if !induced.IsLeaf(idx) {
			continue
		}
		edges[i].Node = name
		edges[i].Label = name
		found++
	}
	if found != len(names) {
		return nil, asrerr.Newf(asrerr.KindSpeciesNotFound,
			"induced subtree has %d of %d queried taxa", found, len(names))
	}

	t, err := tree.FromEdges(edges, tree.KindSpecies)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("species tree resolved",
		slog.Int("species", len(names)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return t, nil
}

// match maps every name to an OTT identifier using exact matching.
func (c *Client) match(ctx context.Context, names []string) (map[string]int64, error) {
	var resp matchResponse
	if err := c.post(ctx, "/v3/tnrs/match_names", matchRequest{Names: names}, &resp); err != nil {
		return nil, err
	}

	ids := make(map[string]int64, len(names))
	for _, r := range resp.Results {
		if len(r.Matches) > 0 {
			ids[r.Name] = r.Matches[0].Taxon.OTTID
		}
	}
	var missing []string
	for _, n := range names {
		if _, ok := ids[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, asrerr.Newf(asrerr.KindSpeciesNotFound, "no taxon for %v", missing)
	}
	return ids, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("species service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest {
			return asrerr.Newf(asrerr.KindSpeciesNotFound, "%s: %s", path, strings.TrimSpace(string(msg)))
		}
		return fmt.Errorf("species service %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func ottLabel(id int64) string {
	return "ott" + strconv.FormatInt(id, 10)
}
