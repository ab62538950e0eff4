package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"scrape_runs/models"
	"scrape_runs/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "healthy"}
	if s.status != nil {
		if raw, err := s.status.MarshalStatus(); err == nil {
			body["engine"] = json.RawMessage(raw)
		}
	}
	respondJSON(w, http.StatusOK, body)
}

// handleListings handles GET /api/listings. A query with no servable run
// yet answers 202 with an empty page.
func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	q, err := parseListingQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := s.assembler.Assemble(r.Context(), q)
	if err != nil {
		s.logger.WithError(err).Error("Listing query failed")
		status, code, message := mapServiceError(err)
		respondError(w, status, code, message)
		return
	}

	status := http.StatusOK
	if resp.Status == models.ResponseStatusBuilding {
		status = http.StatusAccepted
	}
	respondJSON(w, status, resp)
}

func parseListingQuery(r *http.Request) (models.ListingQuery, error) {
	v := r.URL.Query()
	q := models.ListingQuery{
		Region:     v.Get("region"),
		Category:   v.Get("category"),
		SearchTerm: firstNonEmpty(v.Get("search"), v.Get("q")),
		Pages:      v.Get("pages"),
		StateID:    v.Get("stateId"),
		Filters: models.RawFilters{
			PropertyType: v.Get("propertyType"),
			Transaction:  v.Get("transactionType"),
			Location:     v.Get("location"),
			SearchTerm:   v.Get("text"),
			MinPrice:     v.Get("minPrice"),
			MaxPrice:     v.Get("maxPrice"),
			Bedrooms:     splitList(v["bedrooms"]),
		},
	}

	var err error
	if q.Page, err = optionalInt(v.Get("page")); err != nil {
		return q, fmt.Errorf("page: %w", err)
	}
	if q.PageSize, err = optionalInt(v.Get("pageSize")); err != nil {
		return q, fmt.Errorf("pageSize: %w", err)
	}
	runID, err := optionalInt(v.Get("runId"))
	if err != nil {
		return q, fmt.Errorf("runId: %w", err)
	}
	q.RunID = int64(runID)
	if raw := v.Get("forceRefresh"); raw != "" {
		if q.ForceRefresh, err = strconv.ParseBool(raw); err != nil {
			return q, fmt.Errorf("forceRefresh: must be true or false")
		}
	}
	if q.Provider, err = parseProvider(v.Get("provider")); err != nil {
		return q, err
	}
	return q, nil
}

// parseProvider accepts the generic selector names and the source names
// ("yapo-only", "mercadolibre-only").
func parseProvider(raw string) (models.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "mixed", "all":
		return models.ProviderMixed, nil
	case "primary-only", "yapo-only", "yapo":
		return models.ProviderPrimaryOnly, nil
	case "secondary-only", "mercadolibre-only", "mercadolibre", "ml-only":
		return models.ProviderSecondaryOnly, nil
	}
	return "", fmt.Errorf("provider: unknown value %q", raw)
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	return n, nil
}

// splitList flattens repeated and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type runResponse struct {
	Run      *models.Run         `json:"run"`
	Progress *models.RunProgress `json:"progress"`
}

// handleRun handles GET /api/runs/{id}
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid run id")
		return
	}

	run, err := s.runs.GetRunByID(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("run_id", id).Error("Run lookup failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Run storage is unavailable")
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Run not found")
		return
	}

	progress, err := s.runs.GetRunProgress(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("run_id", id).Error("Run progress failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Run storage is unavailable")
		return
	}
	respondJSON(w, http.StatusOK, runResponse{Run: run, Progress: progress})
}

type scrapeRequest struct {
	TargetURL string `json:"targetUrl"`
	Reference string `json:"reference"`
}

type scrapeResponse struct {
	JobID  string      `json:"jobId"`
	Status queue.State `json:"status"`
}

// handleScrape handles POST /api/scrape. The address is admitted before
// anything is queued; a rejected address gets no job id.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TargetURL) == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "targetUrl is required")
		return
	}

	ticket, err := s.jobs.EnqueueURL(r.Context(), strings.TrimSpace(req.TargetURL), req.Reference)
	if err != nil {
		status, code, message := mapServiceError(err)
		respondError(w, status, code, message)
		return
	}
	s.logger.WithFields(logrus.Fields{"job_id": ticket.ID, "target": req.TargetURL}).Info("Scrape job queued")
	respondJSON(w, http.StatusAccepted, scrapeResponse{JobID: ticket.ID, Status: ticket.State()})
}

type jobResult struct {
	TargetURL string          `json:"targetUrl"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type jobResponse struct {
	Job    *queue.Snapshot `json:"job,omitempty"`
	Result *jobResult      `json:"result,omitempty"`
}

// handleJob handles GET /api/jobs/{id}: the live ticket while the queue
// remembers it, plus the stored result once the job has written one.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var resp jobResponse
	if ticket, ok := s.jobs.Ticket(id); ok {
		snap := ticket.Snapshot()
		resp.Job = &snap
	}

	stored, err := s.runs.GetScrapeResult(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", id).Error("Scrape result lookup failed")
	}
	if stored != nil {
		res := &jobResult{TargetURL: stored.TargetURL, Error: stored.Error, CreatedAt: stored.CreatedAt}
		if json.Valid(stored.Data) {
			res.Data = json.RawMessage(stored.Data)
		}
		resp.Result = res
	}

	if resp.Job == nil && resp.Result == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Job not found")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
