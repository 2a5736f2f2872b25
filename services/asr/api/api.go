// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves a read-only view of a checkpoint directory over HTTP.
//
// The service never takes the run lock and never writes: it reads the
// marker and the last snapshot on every request, so it can run next to a
// pipeline that is still working on the same directory.
//
// Routes:
//
//	GET /healthz
//	GET /v1/status
//	GET /v1/attempts?run=<id>
//	GET /v1/trees/:kind?format=newick|edges
//	GET /metrics
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/journal"
	"github.com/AleutianAI/AleutianASR/services/asr/lock"
	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// ServiceName labels spans produced by the router.
const ServiceName = "aleutian-asr-api"

// StatusSource reports per-stage completion.
type StatusSource interface {
	Status() ([]pipeline.StageSummary, *checkpoint.Marker, error)
	CheckpointDir() string
}

// AttemptSource reads the attempt journal.
type AttemptSource interface {
	Attempts(ctx context.Context, runID string) ([]journal.Attempt, error)
	Runs(ctx context.Context) ([]journal.Run, error)
}

// Deps are the collaborators of the router. Status is required.
type Deps struct {
	Status StatusSource

	// Journal may be nil; /v1/attempts then answers 404.
	Journal AttemptSource

	// Metrics may be nil; /metrics is then not registered.
	Metrics http.Handler

	Logger *slog.Logger
}

// Handlers holds the request handlers.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
}

// NewRouter builds the gin engine with tracing middleware.
func NewRouter(deps Deps) *gin.Engine {
	h := &Handlers{deps: deps, logger: deps.Logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))

	router.GET("/healthz", h.HandleHealth)
	v1 := router.Group("/v1")
	v1.GET("/status", h.HandleStatus)
	v1.GET("/attempts", h.HandleAttempts)
	v1.GET("/trees/:kind", h.HandleTree)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	return router
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// StatusResponse is the body of /v1/status.
type StatusResponse struct {
	CheckpointDir string                  `json:"checkpoint_dir"`
	RunID         string                  `json:"run_id,omitempty"`
	LastStage     string                  `json:"last_stage,omitempty"`
	CompletedAt   time.Time               `json:"completed_at,omitzero"`
	Stages        []pipeline.StageSummary `json:"stages"`

	// Lock describes a live run holding the directory.
	Lock *lock.Info `json:"lock,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Time: time.Now().UTC()})
}

// HandleStatus reports every stage and the current lock holder.
func (h *Handlers) HandleStatus(c *gin.Context) {
	stages, marker, err := h.deps.Status.Status()
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "read status", err)
		return
	}
	resp := StatusResponse{
		CheckpointDir: h.deps.Status.CheckpointDir(),
		RunID:         marker.RunID,
		LastStage:     marker.LastStage,
		CompletedAt:   marker.CompletedAt,
		Stages:        stages,
	}
	if info, err := lock.Inspect(resp.CheckpointDir); err != nil {
		h.logger.Warn("inspect run lock", slog.String("error", err.Error()))
	} else {
		resp.Lock = info
	}
	c.JSON(http.StatusOK, resp)
}

// HandleAttempts lists the journaled attempts of a run, the most recent
// run by default.
func (h *Handlers) HandleAttempts(c *gin.Context) {
	if h.deps.Journal == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "journal disabled"})
		return
	}
	ctx := c.Request.Context()
	runID := c.Query("run")
	if runID == "" {
		runs, err := h.deps.Journal.Runs(ctx)
		if err != nil {
			h.fail(c, http.StatusInternalServerError, "list runs", err)
			return
		}
		if len(runs) == 0 {
			c.JSON(http.StatusOK, gin.H{"run_id": "", "attempts": []journal.Attempt{}})
			return
		}
		runID = runs[0].RunID
	}
	attempts, err := h.deps.Journal.Attempts(ctx, runID)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "list attempts", err)
		return
	}
	if attempts == nil {
		attempts = []journal.Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "attempts": attempts})
}

// EdgeResponse is one row of a tree rendered as edges.
type EdgeResponse struct {
	Node    string            `json:"node"`
	Parent  string            `json:"parent,omitempty"`
	Label   string            `json:"label,omitempty"`
	Length  *float64          `json:"length,omitempty"`
	Support *float64          `json:"support,omitempty"`
	Event   tree.Event        `json:"event,omitempty"`
	Species string            `json:"species,omitempty"`
	States  tree.Distribution `json:"states,omitempty"`
}

// HandleTree returns a tree of the last checkpoint.
func (h *Handlers) HandleTree(c *gin.Context) {
	kind := tree.Kind(c.Param("kind"))
	switch kind {
	case tree.KindGene, tree.KindSpecies, tree.KindReconciled:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "kind must be gene, species or reconciled"})
		return
	}
	format := c.DefaultQuery("format", "newick")
	if format != "newick" && format != "edges" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "format must be newick or edges"})
		return
	}

	_, snap, err := pipeline.Snapshot(c.Request.Context(), h.deps.Status.CheckpointDir())
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no checkpoint"})
		return
	}
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "load checkpoint", err)
		return
	}
	t := snap.Trees.Get(kind)
	if t == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no " + string(kind) + " tree"})
		return
	}

	if format == "newick" {
		c.String(http.StatusOK, t.Newick(tree.WithInternalIDs())+"\n")
		return
	}
	c.JSON(http.StatusOK, EdgesOf(t))
}

// EdgesOf renders t as edge rows in preorder, root first.
func EdgesOf(t *tree.Tree) []EdgeResponse {
	edges := t.Edges()
	out := make([]EdgeResponse, len(edges))
	for i, e := range edges {
		out[i] = EdgeResponse{
			Node:    e.Node,
			Parent:  e.Parent,
			Label:   e.Label,
			Event:   e.Event,
			Species: e.Species,
			States:  e.States,
		}
		if e.HasLength {
			out[i].Length = &e.Length
		}
		if e.HasSupport {
			out[i].Support = &e.Support
		}
	}
	return out
}

func (h *Handlers) fail(c *gin.Context, code int, what string, err error) {
	h.logger.Error(what, slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	c.JSON(code, ErrorResponse{Error: what + ": " + err.Error()})
}

// Serve runs handler on addr until ctx is canceled, then drains in-flight
// requests for up to five seconds.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("status api listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
