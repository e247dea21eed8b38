package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/onexay/commitvault/internal/cache"
	"github.com/onexay/commitvault/internal/faults"
	"github.com/onexay/commitvault/internal/model"
	"github.com/onexay/commitvault/internal/storage"
	"github.com/onexay/commitvault/internal/types"
)

const maxArchiveBytes = 256 << 20

// Backend is the part of the model the HTTP surface uses.
type Backend interface {
	Healthy(ctx context.Context, writable bool) bool
	SaveArchive(ctx context.Context, payload []byte) (string, error)
	Retrieve(ctx context.Context, digest string, size *int64) ([]byte, error)
	RegisterArchive(ctx context.Context, commit types.Commit, suite string, payload []byte) (string, bool, error)
	DoProcessingWork(ctx context.Context) (bool, error)
	ArchivesFor(ctx context.Context, repo, branch, suite string, begin, end *types.Commit) ([]model.IndexEntry, error)
	Suites(ctx context.Context, repo, branch string) ([]string, error)
	CompareArchives(ctx context.Context, from, to string) (string, error)
	Expire(ctx context.Context) (int, error)
}

// Service holds the request handlers.
type Service struct {
	backend Backend
	log     zerolog.Logger
}

// New constructs the service.
func New(backend Backend, log zerolog.Logger) *Service {
	return &Service{backend: backend, log: log}
}

// Mount registers every route on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Put("/archives", s.handleArchivePut)
		r.Get("/archives/{digest}", s.handleArchiveGet)
		r.Get("/archives/{from}/diff/{to}", s.handleArchiveDiff)
		r.Post("/register", s.handleRegister)
		r.Get("/index", s.handleIndex)
		r.Get("/suites", s.handleSuites)
		r.Post("/work", s.handleWork)
		r.Post("/expire", s.handleExpire)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writable := r.URL.Query().Get("readonly") == ""
	if !s.backend.Healthy(r.Context(), writable) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (s *Service) handleArchivePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArchiveBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	digest, err := s.backend.SaveArchive(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"digest": digest, "size": len(body)})
}

func (s *Service) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	var size *int64
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid size"})
			return
		}
		size = &n
	}

	data, err := s.backend.Retrieve(r.Context(), digest, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if data == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive " + digest + " not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Service) handleArchiveDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := s.backend.CompareArchives(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(diff))
}

type registerRequest struct {
	Commit  types.Commit `json:"commit"`
	Suite   string       `json:"suite"`
	Payload []byte       `json:"payload"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxArchiveBytes)).Decode(&req); err != nil {
		var ve *types.ValidationError
		if errors.As(err, &ve) {
			s.writeError(w, ve)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if req.Commit.ID() == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "commit is required"})
		return
	}

	digest, queued, err := s.backend.RegisterArchive(r.Context(), req.Commit, req.Suite, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"digest": digest, "queued": queued, "uuid": req.Commit.UUID()})
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo, branch, suite := q.Get("repository_id"), q.Get("branch"), q.Get("suite")
	if repo == "" || branch == "" || suite == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "repository_id, branch and suite are required"})
		return
	}
	begin, err := boundCommit(repo, branch, q.Get("after"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	end, err := boundCommit(repo, branch, q.Get("before"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.backend.ArchivesFor(r.Context(), repo, branch, suite, begin, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": entries})
}

// boundCommit turns a "uuid" query value into a commit carrying that uuid.
func boundCommit(repo, branch, raw string) (*types.Commit, error) {
	if raw == "" {
		return nil, nil
	}
	uuid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || uuid < 0 {
		return nil, &types.ValidationError{Field: "uuid", Reason: "bound must be a commit uuid"}
	}
	c, err := types.CommitFromMap(map[string]any{
		"repository_id": repo,
		"branch":        branch,
		"id":            "0",
		"timestamp":     uuid / types.OrderRange,
		"order":         uuid % types.OrderRange,
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) handleSuites(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	suites, err := s.backend.Suites(r.Context(), q.Get("repository_id"), q.Get("branch"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suites": suites})
}

func (s *Service) handleWork(w http.ResponseWriter, r *http.Request) {
	did, err := s.backend.DoProcessingWork(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"processed": did})
}

func (s *Service) handleExpire(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.Expire(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	var (
		validation  *types.ValidationError
		notFound    *storage.NotFoundError
		integrity   *storage.IntegrityError
		configError *faults.ConfigurationError
		transport   *faults.TransportError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validation.Error(), "field": validation.Field})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFound.Error()})
	case errors.As(err, &integrity):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": integrity.Error(), "digest": integrity.Digest})
	case errors.As(err, &configError):
		writeJSON(w, http.StatusConflict, map[string]string{"error": configError.Error()})
	case errors.Is(err, cache.ErrLocked):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &transport):
		s.log.Warn().Err(err).Str("op", transport.Op).Msg("backend unavailable")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": transport.Error()})
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": strings.TrimSpace(err.Error())})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
