package ingest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/lexpipe/analyze"
	"github.com/hazyhaar/lexpipe/blobstore"
	"github.com/hazyhaar/lexpipe/kit"
	"github.com/hazyhaar/lexpipe/observability"
	"github.com/hazyhaar/lexpipe/store"
)

// APIKey maps a bcrypt key hash to the user it authenticates.
type APIKey struct {
	UserID  string
	KeyHash string
}

// heartbeatWindow bounds what the admin endpoint considers a live worker.
const heartbeatWindow = 2 * time.Minute

// Server is the HTTP surface over the gate and the stores.
type Server struct {
	Gate     *Gate
	DB       *sql.DB
	DBPrefix string
	Log      *slog.Logger

	DemoUserID   string
	APIKeys      []APIKey
	MaxBodyBytes int64
	SignTTL      time.Duration
}

func (s *Server) store() *store.Store { return s.Gate.Store }

// Router builds the chi router with the full API surface.
func (s *Server) Router() chi.Router {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.SignTTL <= 0 {
		s.SignTTL = 15 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/blobs/*", s.handleBlob)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/documents", s.handleUpload)
		r.Get("/documents/{id}", s.handleStatus)
		r.Get("/documents/{id}/clauses", s.handleClauses)
		r.Get("/documents/{id}/analyses", s.handleAnalyses)
		r.Get("/documents/{id}/download", s.handleDownload)
		r.Post("/clauses/{clauseID}/redraft", s.handleRedraft)
		r.Get("/admin/queue", s.handleAdminQueue)
	})
	return r
}

// auth resolves the calling user. With no configured keys every request
// runs as the demo user; otherwise a bcrypt-checked bearer key is
// required.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.APIKeys) == 0 {
			next.ServeHTTP(w, r.WithContext(kit.WithUserID(r.Context(), s.DemoUserID)))
			return
		}
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || key == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for _, k := range s.APIKeys {
			if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
				next.ServeHTTP(w, r.WithContext(kit.WithUserID(r.Context(), k.UserID)))
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid api key")
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if override := r.FormValue("mime"); override != "" {
		contentType = override
	}

	doc, created, err := s.Gate.Upload(r.Context(), kit.GetUserID(r.Context()),
		header.Filename, contentType, file)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Log.Error("upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"document_id": doc.ID,
		"status":      doc.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, healed, err := s.Gate.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.Log.Error("status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document":       doc,
		"parse_requeued": healed,
	})
}

func (s *Server) handleClauses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store().GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	clauses, err := s.store().ListClauses(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list clauses failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "clauses": clauses})
}

func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store().GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	analyses, err := s.store().ListAnalyses(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list analyses failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "analyses": analyses})
}

func (s *Server) handleRedraft(w http.ResponseWriter, r *http.Request) {
	clauseID := chi.URLParam(r, "clauseID")
	clause, err := s.store().GetClause(r.Context(), clauseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if clause == nil {
		writeError(w, http.StatusNotFound, "clause not found")
		return
	}
	analysis, err := s.store().GetAnalysisByClause(r.Context(), clauseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if analysis == nil {
		writeError(w, http.StatusConflict, "clause not analyzed yet")
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if r.Body != nil {
		// absent/empty body means "synthesize one for me"
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	text := strings.TrimSpace(body.Text)
	if text == "" {
		text = analyze.Redraft(clause.ClauseKey, clause.Text, analysis.BandName)
	}
	if err := s.store().SetRedraft(r.Context(), clauseID, text); err != nil {
		writeError(w, http.StatusInternalServerError, "store redraft failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clause_id":    clauseID,
		"redraft_text": text,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store().GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if doc == nil || doc.BlobPath == "" {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	signed, err := s.Gate.Blobs.Sign(doc.BlobPath, s.SignTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign failed")
		return
	}
	http.Redirect(w, r, signed, http.StatusFound)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "*")
	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, "bad signature")
		return
	}
	if err := s.Gate.Blobs.Verify(p, exp, r.URL.Query().Get("sig")); err != nil {
		writeError(w, http.StatusForbidden, "bad signature")
		return
	}
	rc, err := s.Gate.Blobs.Get(r.Context(), p)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "blob read failed")
		return
	}
	defer rc.Close()

	ct := mime.TypeByExtension(filepath.Ext(p))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if _, err := io.Copy(w, rc); err != nil {
		s.Log.Warn("blob stream interrupted", "path", p, "error", err)
	}
}

func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Gate.Queue.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue stats failed")
		return
	}
	beats, err := observability.LatestHeartbeats(r.Context(), s.DB, s.DBPrefix, heartbeatWindow)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":       counts,
		"heartbeats": beats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
