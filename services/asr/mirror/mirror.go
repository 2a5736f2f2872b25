// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mirror copies committed checkpoints to object storage.
//
// A mirror is a one-way copy for disaster recovery. Runs never read from it;
// restoring a run means downloading the prefix into a local checkpoint
// directory. Objects are laid out exactly like the directory:
//
//	<prefix>/COMPLETED.json
//	<prefix>/snapshots/<snapshot>/records.tsv
//	<prefix>/snapshots/<snapshot>/trees.tsv
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/config"
	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
)

var tracer = otel.Tracer("aleutian.asr.mirror")

// Bucket stores objects by key.
type Bucket interface {
	// Put writes r to key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Close releases the client.
	Close() error
}

// Syncer uploads snapshots and the marker to a Bucket.
//
// Thread Safety:
//
//	Safe for concurrent use if the Bucket is.
type Syncer struct {
	bucket Bucket
	prefix string
	logger *slog.Logger
}

// NewSyncer returns a Syncer writing under prefix.
func NewSyncer(bucket Bucket, prefix string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{bucket: bucket, prefix: prefix, logger: logger}
}

// Open builds the Syncer selected by cfg.
//
// Outputs:
//
//	*Syncer - nil when the backend is "none".
//	error - Client construction failure.
func Open(ctx context.Context, cfg config.MirrorConfig, logger *slog.Logger) (*Syncer, error) {
	var (
		b   Bucket
		err error
	)
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "gcs":
		b, err = NewGCS(ctx, GCSConfig{Bucket: cfg.Bucket, CredentialsFile: cfg.CredentialsFile})
	case "s3":
		b, err = NewS3(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewSyncer(b, cfg.Prefix, logger), nil
}

// Sync uploads one snapshot directory and then the marker.
//
// Description:
//
//	The marker goes last so a mirrored marker never lists a snapshot that
//	is missing from the bucket. A failed upload leaves the previous remote
//	marker in place.
//
// Inputs:
//
//	ctx - Cancels uploads.
//	dir - Checkpoint directory root.
//	snapshot - Snapshot name as listed in the marker.
//
// Outputs:
//
//	error - The first failed upload.
func (s *Syncer) Sync(ctx context.Context, dir, snapshot string) (err error) {
	ctx, span := tracer.Start(ctx, "mirror.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("snapshot", snapshot))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
	}()

	if snapshot == "" {
		return errors.New("snapshot name must not be empty")
	}

	local := filepath.Join(dir, checkpoint.SnapshotsDir, snapshot)
	n := 0
	err = filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		n++
		return s.upload(ctx, p, s.key(rel))
	})
	if err != nil {
		return fmt.Errorf("mirror snapshot %s: %w", snapshot, err)
	}

	if err := s.upload(ctx, filepath.Join(dir, checkpoint.MarkerFile), s.key(checkpoint.MarkerFile)); err != nil {
		return fmt.Errorf("mirror marker: %w", err)
	}

	s.logger.Info("checkpoint mirrored",
		slog.String("snapshot", snapshot),
		slog.Int("files", n+1),
		slog.String("prefix", s.prefix))
	return nil
}

// Close releases the bucket client.
func (s *Syncer) Close() error { return s.bucket.Close() }

func (s *Syncer) key(rel string) string {
	return path.Join(s.prefix, filepath.ToSlash(rel))
}

func (s *Syncer) upload(ctx context.Context, local, key string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := s.bucket.Put(ctx, key, f); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
