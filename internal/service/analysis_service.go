package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/exascience/pargo/parallel"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/cache"
	"github.com/cdrug/server/internal/jobstore"
	"github.com/cdrug/server/internal/num"
)

// ErrDatasetNotFound indicates an unknown dataset id.
var ErrDatasetNotFound = errors.New("service: dataset not found")

// Job phases reported through jobstore progress.
const (
	PhaseResolving = "resolving"
	PhasePrimary   = "primary_regression"
	PhaseRanking   = "ranking_events"
	PhaseSecondary = "secondary_regression"
	PhaseSaving    = "saving_results"
)

const jobPhases = 5

// Params selects one (drug, gene) analysis.
type Params struct {
	// Drug is a full drug key, a drug name or a drug id.
	Drug       string `json:"drug"`
	Gene       string `json:"gene"`
	Event      string `json:"event,omitempty"`
	MinSupport int    `json:"min_support,omitempty"`
}

// Registry resolves dataset ids.
type Registry interface {
	Get(datasetID string) *Dataset
}

// AnalysisService runs residual association analyses against registered datasets.
type AnalysisService struct {
	registry Registry
	analyzer *analysis.Analyzer
	cache    *cache.Manager
}

// NewAnalysisService creates a new analysis service. cache may be nil.
func NewAnalysisService(registry Registry, analyzer *analysis.Analyzer, c *cache.Manager) *AnalysisService {
	if analyzer == nil {
		analyzer = analysis.NewAnalyzer(analysis.Options{})
	}
	return &AnalysisService{registry: registry, analyzer: analyzer, cache: c}
}

// MinSupport returns the default support threshold.
func (s *AnalysisService) MinSupport() int { return s.analyzer.MinSupport() }

func (s *AnalysisService) dataset(datasetID string) (*Dataset, error) {
	ds := s.registry.Get(datasetID)
	if ds == nil {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, datasetID)
	}
	return ds, nil
}

func (s *AnalysisService) request(ds *Dataset, p Params) (analysis.Request, error) {
	if p.Drug == "" || p.Gene == "" {
		return analysis.Request{}, fmt.Errorf("%w: drug and gene are required", analysis.ErrMissingInput)
	}
	drug, err := ds.ResolveDrug(p.Drug)
	if err != nil {
		return analysis.Request{}, err
	}
	return analysis.Request{Drug: drug, Gene: p.Gene, Event: p.Event, MinSupport: p.MinSupport}, nil
}

func (s *AnalysisService) effectiveSupport(p Params) int {
	if p.MinSupport > 0 {
		return p.MinSupport
	}
	return s.analyzer.MinSupport()
}

// Report runs one analysis without caching.
func (s *AnalysisService) Report(ctx context.Context, datasetID string, p Params) (*analysis.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds, err := s.dataset(datasetID)
	if err != nil {
		return nil, err
	}
	req, err := s.request(ds, p)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Run(ds.Inputs(), req)
}

// Analyze returns the JSON-encoded report of one analysis, served from the
// report cache when possible.
func (s *AnalysisService) Analyze(ctx context.Context, datasetID string, p Params) ([]byte, error) {
	ds, err := s.dataset(datasetID)
	if err != nil {
		return nil, err
	}
	req, err := s.request(ds, p)
	if err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil {
		key = cache.ReportKey(datasetID, req.Drug.Key(), req.Gene, req.Event, s.effectiveSupport(p))
		if data, ok := s.cache.GetReport(key); ok {
			return data, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report, err := s.analyzer.Run(ds.Inputs(), req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetReport(key, data); err != nil {
			log.Printf("[AnalysisService] report not cached (%d bytes): %v", len(data), err)
		}
	}
	return data, nil
}

// ExecuteJob runs the analysis for a job (called by JobManager worker).
func (s *AnalysisService) ExecuteJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	// Load job from store
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	p := Params{
		Drug:       job.Params.Drug,
		Gene:       job.Params.Gene,
		Event:      job.Params.Event,
		MinSupport: job.Params.MinSupport,
	}

	// Phase 1: resolve inputs
	store.UpdateJobProgress(jobID, PhaseResolving, 0, jobPhases)

	ds, err := s.dataset(job.Params.DatasetID)
	if err != nil {
		return err
	}
	req, err := s.request(ds, p)
	if err != nil {
		return err
	}
	in := ds.Inputs()
	sel, err := s.analyzer.Select(in, req)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: primary regression
	store.UpdateJobProgress(jobID, PhasePrimary, 1, jobPhases)

	primary, err := sel.Primary()
	if err != nil {
		return err
	}
	store.UpdateJobCounts(jobID, len(sel.Cohort), len(primary.Samples))

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: rank events
	store.UpdateJobProgress(jobID, PhaseRanking, 2, jobPhases)

	ranked := analysis.RankEvents(primary.Residuals(), in.Events, sel.MinSupport)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 4: secondary regression
	store.UpdateJobProgress(jobID, PhaseSecondary, 3, jobPhases)

	secondary, warnings := analysis.SecondaryWithWarnings(primary.Residuals(), in.Events)
	var groups *analysis.EventGroups
	if req.Event != "" {
		if groups, err = analysis.GroupByEvent(primary.Residuals(), in.Events, req.Event); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 5: write results to DB
	store.UpdateJobProgress(jobID, PhaseSaving, 4, jobPhases)

	if err := store.InsertResiduals(jobID, residualRows(primary)); err != nil {
		return fmt.Errorf("failed to save residuals: %w", err)
	}
	if err := store.InsertEvents(jobID, eventRows(ranked)); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	if err := store.SaveSummary(jobID, jobstore.SummaryPrimary, primarySummary(req, primary)); err != nil {
		return err
	}
	if secondary != nil {
		if err := store.SaveSummary(jobID, jobstore.SummarySecondary, secondarySummary(secondary)); err != nil {
			return err
		}
	}
	if groups != nil {
		if err := store.SaveSummary(jobID, jobstore.SummaryGroups, groups); err != nil {
			return err
		}
	}
	if len(warnings) > 0 {
		if err := store.SaveSummary(jobID, jobstore.SummaryWarnings, warnings); err != nil {
			return err
		}
	}
	store.UpdateJobProgress(jobID, PhaseSaving, jobPhases, jobPhases)
	return nil
}

// PrimarySummary is the stored summary of a job's primary regression.
type PrimarySummary struct {
	Drug      analysis.DrugKey `json:"drug"`
	Gene      string           `json:"gene"`
	Samples   int              `json:"samples"`
	Dropped   []string         `json:"dropped"`
	Intercept num.Float        `json:"intercept"`
	Slope     num.Float        `json:"slope"`
	Fit       json.RawMessage  `json:"fit"`
}

// SecondarySummary is the stored summary of a job's secondary regression.
type SecondarySummary struct {
	Samples      int                    `json:"samples"`
	Dropped      []string               `json:"dropped"`
	Events       int                    `json:"events"`
	Degenerate   bool                   `json:"degenerate"`
	Coefficients []analysis.Coefficient `json:"coefficients"`
	Fit          json.RawMessage        `json:"fit"`
}

func primarySummary(req analysis.Request, p *analysis.PrimaryFit) PrimarySummary {
	fit, _ := json.Marshal(p.Fit.WithoutObservations())
	return PrimarySummary{
		Drug:      req.Drug,
		Gene:      req.Gene,
		Samples:   len(p.Samples),
		Dropped:   p.Dropped,
		Intercept: p.Intercept,
		Slope:     p.Slope,
		Fit:       fit,
	}
}

func secondarySummary(s *analysis.SecondaryFit) SecondarySummary {
	fit, _ := json.Marshal(s.Fit.WithoutObservations())
	return SecondarySummary{
		Samples:      len(s.Samples),
		Dropped:      s.Dropped,
		Events:       s.Events,
		Degenerate:   s.Degenerate,
		Coefficients: s.Coefficients,
		Fit:          fit,
	}
}

func residualRows(p *analysis.PrimaryFit) []*jobstore.ResidualRow {
	rows := make([]*jobstore.ResidualRow, len(p.Samples))
	for i, id := range p.Samples {
		rows[i] = &jobstore.ResidualRow{
			Sample:   id,
			Observed: p.Observed[i],
			Score:    p.Score[i],
			Fitted:   num.Float(p.Fit.Fitted[i]),
			Residual: num.Float(p.Fit.Residuals[i]),
		}
	}
	return rows
}

func eventRows(ranked []analysis.EventResidual) []*jobstore.EventRow {
	rows := make([]*jobstore.EventRow, len(ranked))
	for i, r := range ranked {
		rows[i] = &jobstore.EventRow{
			Rank:         i + 1,
			Event:        r.Event,
			Count:        r.Count,
			ResidualSum:  r.ResidualSum,
			MeanResidual: r.MeanResidual,
			Median:       r.Summary.Median,
			Q1:           r.Summary.Q1,
			Q3:           r.Summary.Q3,
		}
	}
	return rows
}

// BatchResult is the outcome of one pair of a batch.
type BatchResult struct {
	Params Params
	Report *analysis.Report
	Err    error
}

// RunBatch analyses independent pairs in parallel. Results keep the order of
// pairs; a failed pair does not stop the others. Pairs not started before ctx
// is cancelled carry ctx.Err().
func (s *AnalysisService) RunBatch(ctx context.Context, datasetID string, pairs []Params, workers int) ([]BatchResult, error) {
	ds, err := s.dataset(datasetID)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(pairs) {
		workers = len(pairs)
	}
	results := make([]BatchResult, len(pairs))
	if len(pairs) == 0 {
		return results, nil
	}

	in := ds.Inputs()
	var mu sync.Mutex
	failed := 0
	parallel.Range(0, len(pairs), workers, func(low, high int) {
		for i := low; i < high; i++ {
			results[i].Params = pairs[i]
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				continue
			}
			req, err := s.request(ds, pairs[i])
			if err == nil {
				results[i].Report, err = s.analyzer.Run(in, req)
			}
			if err != nil {
				results[i].Err = err
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}
	})
	if failed > 0 {
		log.Printf("[AnalysisService] batch on %s: %d of %d pairs failed", datasetID, failed, len(pairs))
	}
	return results, nil
}
