// Package api provides HTTP handlers for the residual association server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/cache"
	"github.com/cdrug/server/internal/data/assoc"
	"github.com/cdrug/server/internal/jobstore"
	"github.com/cdrug/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	Analysis    *service.AnalysisService
	Cache       *cache.Manager
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/summary", datasetSummaryHandler)
			r.Get("/drugs", datasetDrugsHandler)
			r.Get("/genes", datasetGenesHandler)
			r.Get("/events", datasetEventsHandler(cfg.Cache))
			r.Get("/associations", datasetAssociationsHandler)
			r.Post("/analyze", analyzeHandler(cfg.Analysis))

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobListHandler(cfg.JobManager))
				r.Post("/", jobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/events", jobEventsHandler(cfg.JobManager))
				r.Get("/{job_id}/residuals", jobResidualsHandler(cfg.JobManager))
				r.Post("/{job_id}/cancel", jobCancelHandler(cfg.JobManager))
				r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for the dataset
type ctxKey string

const datasetKey ctxKey = "dataset"

// datasetMiddleware resolves the dataset from URL and injects it into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			ds := registry.Get(datasetID)
			if ds == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetKey, ds)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDataset(r *http.Request) *service.Dataset {
	if ds, ok := r.Context().Value(datasetKey).(*service.Dataset); ok {
		return ds
	}
	return nil
}

// errorStatus maps analysis and service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, analysis.ErrMissingInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDatasetNotFound),
		errors.Is(err, analysis.ErrDrugNotFound),
		errors.Is(err, analysis.ErrGeneNotFound),
		errors.Is(err, analysis.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrEmptyCohort),
		errors.Is(err, analysis.ErrInsufficientData),
		errors.Is(err, analysis.ErrDegenerateInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(v)
}

// parsePage reads offset and limit query params.
func parsePage(r *http.Request, defaultLimit, maxLimit int) (offset, limit int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	return offset, limit
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func cacheStatsHandler(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

// Dataset-scoped handlers (get dataset from context)

func datasetSummaryHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	writeJSON(w, http.StatusOK, ds.Summary())
}

func datasetDrugsHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	drugs := make([]map[string]string, 0)
	for _, d := range ds.Drugs() {
		if q != "" && !strings.Contains(strings.ToLower(d.Name), q) && !strings.Contains(strings.ToLower(d.ID), q) {
			continue
		}
		drugs = append(drugs, map[string]string{
			"key":     d.Key(),
			"id":      d.ID,
			"name":    d.Name,
			"version": d.Version,
		})
	}
	offset, limit := parsePage(r, 1000, 10000)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  len(drugs),
		"offset": offset,
		"limit":  limit,
		"drugs":  page(drugs, offset, limit),
	})
}

func datasetGenesHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	prefix := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("prefix")))

	genes := ds.Genes()
	if prefix != "" {
		filtered := genes[:0:0]
		for _, g := range genes {
			if strings.HasPrefix(strings.ToUpper(g), prefix) {
				filtered = append(filtered, g)
			}
		}
		genes = filtered
	}
	offset, limit := parsePage(r, 1000, 20000)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  len(genes),
		"offset": offset,
		"limit":  limit,
		"genes":  page(genes, offset, limit),
	})
}

func datasetEventsHandler(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds := getDataset(r)
		minCount := 0
		if v, err := strconv.Atoi(r.URL.Query().Get("min_count")); err == nil && v > 0 {
			minCount = v
		}

		var key string
		if c != nil {
			key = cache.QueryKey(ds.ID(), "events", map[string]string{"min_count": strconv.Itoa(minCount)})
			if data, ok := c.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		events := make([]service.EventInfo, 0)
		for _, e := range ds.Events() {
			if e.Count >= minCount {
				events = append(events, e)
			}
		}
		data, err := json.Marshal(map[string]interface{}{
			"total":  len(events),
			"events": events,
		})
		if err != nil {
			http.Error(w, "failed to encode events: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if c != nil {
			c.SetQuery(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func datasetAssociationsHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	tbl := ds.Associations()
	if tbl == nil {
		http.Error(w, "associations not configured for this dataset", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	var f assoc.Filter
	if v := q.Get("target"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid target: "+v, http.StatusBadRequest)
			return
		}
		f.TargetOnly = b
	}
	for name, dst := range map[string]*float64{"min_beta": &f.MinBeta, "max_fdr": &f.MaxFDR} {
		if v := q.Get(name); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				http.Error(w, "invalid "+name+": "+v, http.StatusBadRequest)
				return
			}
			*dst = x
		}
	}

	drug := strings.TrimSpace(q.Get("drug"))
	gene := strings.TrimSpace(q.Get("gene"))
	rows := make([]assoc.Association, 0)
	for _, a := range tbl.Filter(f).Rows() {
		if drug != "" && a.DrugName != drug && a.DrugID != drug {
			continue
		}
		if gene != "" && a.Gene != gene {
			continue
		}
		rows = append(rows, a)
	}

	offset, limit := parsePage(r, 100, 5000)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":        len(rows),
		"offset":       offset,
		"limit":        limit,
		"associations": page(rows, offset, limit),
	})
}

type analyzeRequest struct {
	Drug       string `json:"drug"`
	Gene       string `json:"gene"`
	Event      string `json:"event"`
	MinSupport int    `json:"min_support"`
}

func (req analyzeRequest) validate() error {
	if strings.TrimSpace(req.Drug) == "" {
		return errors.New("drug is required")
	}
	if strings.TrimSpace(req.Gene) == "" {
		return errors.New("gene is required")
	}
	if req.MinSupport < 0 {
		return errors.New("min_support must be positive")
	}
	return nil
}

func decodeAnalyzeRequest(r *http.Request) (analyzeRequest, error) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid request body: " + err.Error())
	}
	return req, req.validate()
}

func analyzeHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "analysis service not configured", http.StatusNotImplemented)
			return
		}
		req, err := decodeAnalyzeRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := svc.Analyze(r.Context(), chi.URLParam(r, "dataset"), service.Params{
			Drug:       req.Drug,
			Gene:       req.Gene,
			Event:      req.Event,
			MinSupport: req.MinSupport,
		})
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// Job handlers

// datasetJob returns the job if it belongs to the request's dataset.
func datasetJob(jm *JobManager, r *http.Request) *jobstore.Job {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		req, err := decodeAnalyzeRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Reject unknown drugs and genes before queueing
		ds := getDataset(r)
		if _, err := ds.ResolveDrug(req.Drug); err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		in := ds.Inputs()
		if !in.Screen.HasRow(req.Gene) {
			http.Error(w, "gene not found: "+req.Gene, http.StatusNotFound)
			return
		}
		if req.Event != "" && !in.Events.HasRow(req.Event) {
			http.Error(w, "event not found: "+req.Event, http.StatusNotFound)
			return
		}

		job, err := jm.Submit(jobstore.JobParams{
			DatasetID:  ds.ID(),
			Drug:       req.Drug,
			Gene:       req.Gene,
			Event:      req.Event,
			MinSupport: req.MinSupport,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(chi.URLParam(r, "dataset"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		response := map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"params":      job.Params,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"cohort":      job.Cohort,
			"used":        job.Used,
			"error":       job.Error,
		}
		if job.Status == jobstore.JobStatusCompleted {
			for _, kind := range []string{jobstore.SummaryPrimary, jobstore.SummarySecondary, jobstore.SummaryGroups, jobstore.SummaryWarnings} {
				var raw json.RawMessage
				ok, err := jm.Store().LoadSummary(job.ID, kind, &raw)
				if err != nil {
					http.Error(w, "failed to load "+kind+" summary: "+err.Error(), http.StatusInternalServerError)
					return
				}
				if ok {
					response[kind] = raw
				}
			}
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// completedJob resolves a job and checks it finished, writing the error response otherwise.
func completedJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *jobstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := datasetJob(jm, r)
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	if job.Status != jobstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
		return nil
	}
	return job
}

func jobEventsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := completedJob(jm, w, r)
		if job == nil {
			return
		}
		offset, limit := parsePage(r, 50, 1000)
		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "mean_residual"
		}

		items, total, err := jm.Store().QueryEvents(job.ID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query events: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"params":   job.Params,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
	}
}

func jobResidualsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := completedJob(jm, w, r)
		if job == nil {
			return
		}
		offset, limit := parsePage(r, 100, 5000)
		orderBy := r.URL.Query().Get("order_by")

		items, total, err := jm.Store().QueryResiduals(job.ID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query residuals: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"params":   job.Params,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": jm.Cancel(job.ID),
		})
	}
}

func jobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := datasetJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  job.ID,
			"deleted": true,
		})
	}
}
