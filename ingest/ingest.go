// Package ingest is the front door: uploads enter the system here, get
// deduplicated by content checksum, and leave as queued PARSE_DOC jobs.
// It also serves the HTTP API and the read-only MCP tools.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/hazyhaar/lexpipe/blobstore"
	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/idgen"
	"github.com/hazyhaar/lexpipe/jobs"
	"github.com/hazyhaar/lexpipe/parse"
	"github.com/hazyhaar/lexpipe/pipeline"
	"github.com/hazyhaar/lexpipe/store"
)

// ErrValidation marks client-side upload problems; the HTTP layer maps
// it to a 4xx.
var ErrValidation = errors.New("ingest: validation")

// Gate accepts uploads and answers status queries.
type Gate struct {
	DB           *sql.DB
	Store        *store.Store
	Queue        *jobs.Store
	Blobs        *blobstore.Store
	Log          *slog.Logger
	MaxFileBytes int64

	newDocID idgen.Generator
}

// NewGate wires an upload gate.
func NewGate(db *sql.DB, st *store.Store, q *jobs.Store, blobs *blobstore.Store, log *slog.Logger, maxFileBytes int64) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		DB:           db,
		Store:        st,
		Queue:        q,
		Blobs:        blobs,
		Log:          log,
		MaxFileBytes: maxFileBytes,
		newDocID:     idgen.Prefixed("doc_", idgen.Default),
	}
}

// Upload stores a document and queues its parse. A re-upload of bytes the
// user already submitted returns the existing document untouched, except
// that a document still stuck at uploaded with no live parse job gets the
// job re-queued. The second return reports whether a new document row was
// created.
func (g *Gate) Upload(ctx context.Context, userID, filename, mime string, r io.Reader) (*store.Document, bool, error) {
	filename = path.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, false, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if _, err := parse.Detect(mime, filename); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	limit := g.MaxFileBytes
	if limit <= 0 {
		limit = 50 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty file", ErrValidation)
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, limit)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	existing, err := g.Store.GetDocumentByChecksum(ctx, userID, checksum)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Status == store.StatusUploaded {
			// Same guard as Status: a live parse job must not be reset
			// back to queued underneath a worker.
			active, err := g.Queue.ActiveJobForDocument(ctx, existing.ID, pipeline.StageParse)
			if err != nil {
				return nil, false, err
			}
			if active == nil {
				if err := g.enqueueParse(ctx, nil, existing); err != nil {
					return nil, false, err
				}
			}
		}
		return existing, false, nil
	}

	doc := &store.Document{
		ID:       g.newDocID(),
		UserID:   userID,
		Filename: filename,
		MIME:     mime,
		Checksum: checksum,
	}
	doc.BlobPath = fmt.Sprintf("documents/%s/%s/%s", userID, doc.ID, filename)

	if err := g.Blobs.Put(ctx, doc.BlobPath, mime, bytes.NewReader(data)); err != nil {
		return nil, false, fmt.Errorf("store blob: %w", err)
	}
	err = dbopen.RunTx(ctx, g.DB, func(tx *sql.Tx) error {
		if err := g.Store.WithTx(tx).InsertDocument(ctx, doc); err != nil {
			return err
		}
		return g.enqueueParse(ctx, tx, doc)
	})
	if err != nil {
		return nil, false, err
	}
	g.Log.Info("document ingested", "document_id", doc.ID, "user_id", userID,
		"filename", filename, "bytes", len(data))
	return doc, true, nil
}

// Status returns a document and heals it: a document still at uploaded
// with no live parse job gets the job re-queued. The second return
// reports whether a heal happened.
func (g *Gate) Status(ctx context.Context, documentID string) (*store.Document, bool, error) {
	doc, err := g.Store.GetDocument(ctx, documentID)
	if err != nil || doc == nil {
		return doc, false, err
	}
	if doc.Status != store.StatusUploaded {
		return doc, false, nil
	}
	active, err := g.Queue.ActiveJobForDocument(ctx, doc.ID, pipeline.StageParse)
	if err != nil {
		return nil, false, err
	}
	if active != nil {
		return doc, false, nil
	}
	if err := g.enqueueParse(ctx, nil, doc); err != nil {
		return nil, false, err
	}
	g.Log.Warn("parse job re-queued for stuck document", "document_id", doc.ID)
	return doc, true, nil
}

// enqueueParse upserts the canonical parse job for a document. The key
// carries the checksum, so heals and re-uploads reset the same row.
func (g *Gate) enqueueParse(ctx context.Context, tx *sql.Tx, doc *store.Document) error {
	payload, err := json.Marshal(pipeline.ParsePayload{MIME: doc.MIME, BlobPath: doc.BlobPath})
	if err != nil {
		return fmt.Errorf("marshal parse payload: %w", err)
	}
	q := g.Queue
	if tx != nil {
		q = q.WithTx(tx)
	}
	_, err = q.Enqueue(ctx, pipeline.StageParse, doc.ID, string(payload),
		pipeline.ParseKey(doc.ID, doc.Checksum))
	return err
}
