package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/browser"
	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/sysinfo"
)

// Base64 inflates by 4/3; leave room for the rest of the JSON body.
const maxBodyBytes = lens.MaxImageBytes/3*4 + 64<<10

// queueFullRetryAfter is the Retry-After hint sent with 503 responses.
const queueFullRetryAfter = "5"

type scrapeRequest struct {
	ImageURL    string          `json:"image_url"`
	ImageRef    string          `json:"image_ref"`
	ImageBase64 string          `json:"image_base64"`
	SearchType  lens.SearchType `json:"search_type"`
}

func (r scrapeRequest) toRequest() (lens.Request, error) {
	req := lens.Request{ImageURL: r.ImageURL, SearchType: r.SearchType}
	if req.ImageURL == "" {
		req.ImageURL = r.ImageRef
	}
	if r.ImageBase64 != "" {
		data, err := decodeImage(r.ImageBase64)
		if err != nil {
			return lens.Request{}, fmt.Errorf("%w: image_base64: %v", lens.ErrInvalidRequest, err)
		}
		req.ImageData = data
	}
	return req, nil
}

// decodeImage accepts plain base64 or a data: URI.
func decodeImage(raw string) ([]byte, error) {
	if strings.HasPrefix(raw, "data:") {
		if _, payload, ok := strings.Cut(raw, ","); ok {
			raw = payload
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}

type jobResponse struct {
	JobID       string                 `json:"job_id"`
	Status      lens.JobStatus         `json:"status"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	SearchType  lens.SearchType        `json:"search_type"`
	ImageURL    string                 `json:"image_url,omitempty"`
	Attempts    int                    `json:"attempts"`
	FromCache   bool                   `json:"from_cache"`
	SubmittedAt time.Time              `json:"submitted_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Result      *lens.ExtractionResult `json:"result,omitempty"`
	Error       *lens.JobError         `json:"error,omitempty"`
}

func toJobResponse(job lens.Job) jobResponse {
	return jobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Fingerprint: job.Fingerprint,
		SearchType:  job.Request.SearchType,
		ImageURL:    job.Request.ImageURL,
		Attempts:    job.Attempts,
		FromCache:   job.FromCache,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		Result:      job.Result,
		Error:       job.Error,
	}
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (lens.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return lens.Request{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return lens.Request{}, false
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return lens.Request{}, false
	}
	return req, true
}

// submit handles POST /scrape. It answers 202 with the job, 400 for invalid
// input, or 503 with Retry-After when the queue is full.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	job, err := s.scraper.Submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lens.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lens.ErrQueueFull):
		w.Header().Set("Retry-After", queueFullRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "job queue is full; retry later")
	case errors.Is(err, lens.ErrShuttingDown):
		w.Header().Set("Retry-After", queueFullRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "service is shutting down; retry later")
	default:
		s.logger.Error("submit failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scraper.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.scraper.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if errors.Is(err, lens.ErrJobFinished) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "job already finished",
			"job":   toJobResponse(job),
		})
		return
	}
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, lens.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("job lookup failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "job lookup failed")
}

// search handles POST /search: submit, wait for a terminal status, and map
// the outcome onto an HTTP status.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	job, err := s.scraper.Submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.SearchTimeout)
	defer cancel()
	done, err := s.scraper.Wait(ctx, job.ID)
	if err != nil {
		if ctx.Err() == nil {
			s.writeLookupError(w, r, err)
			return
		}
		// Still running; the caller can poll /scrape/{job_id}.
		writeJSON(w, http.StatusRequestTimeout, toJobResponse(done))
		return
	}
	writeJSON(w, searchStatus(done), toJobResponse(done))
}

func searchStatus(job lens.Job) int {
	switch job.Status {
	case lens.JobStatusSucceeded:
		if job.Result != nil && job.Result.NoMatches {
			return http.StatusNotFound
		}
		return http.StatusOK
	case lens.JobStatusTimedOut:
		return http.StatusRequestTimeout
	case lens.JobStatusFailed:
		if job.Error != nil && job.Error.Kind == lens.KindBlockedByTarget {
			return http.StatusTooManyRequests
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type healthResponse struct {
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Pool   browser.Stats `json:"pool"`
}

// health answers 200 when a browser context can be leased and probed within
// the probe timeout, 503 otherwise.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "browser pool not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ProbeTimeout)
	defer cancel()
	if err := s.pool.Check(ctx, s.opts.ProbeTimeout); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unavailable",
			Error:  err.Error(),
			Pool:   s.pool.Stats(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Pool: s.pool.Stats()})
}

type systemInfoResponse struct {
	Host sysinfo.Info   `json:"host"`
	Pool *browser.Stats `json:"pool,omitempty"`
}

func (s *Server) systemInfoHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.systemInfo(r.Context())
	if err != nil {
		s.logger.Error("system info failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "system info unavailable")
		return
	}
	resp := systemInfoResponse{Host: info}
	if s.pool != nil {
		stats := s.pool.Stats()
		resp.Pool = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}
