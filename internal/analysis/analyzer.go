// Package analysis implements the two-stage residual association analysis.
//
// For one (drug, gene) pair the drug response is regressed on the gene's
// screen score across the sample cohort. The residuals of that fit are then
//
//   - aggregated per genomic event (mean residual of the affected samples,
//     restricted to events with enough support) and ranked ascending, and
//   - regressed on the full event matrix to measure how much of the remaining
//     variance the events explain together.
//
// The ranking uses the support-filtered events while the secondary regression
// uses every event; the two answer different questions and are kept apart.
//
// All functions are pure and safe for concurrent use.
package analysis

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/cdrug/server/internal/num"
	"github.com/cdrug/server/internal/regression"
	"github.com/cdrug/server/internal/table"
)

// DefaultMinSupport is the minimum number of affected samples for an event to be ranked.
const DefaultMinSupport = 5

// Inputs are the three sample-keyed matrices of one dataset.
// Response rows are DrugKey.Key() values, Screen rows are gene symbols and
// Events rows are event labels with 0/1 indicators.
type Inputs struct {
	Response *table.Matrix
	Screen   *table.Matrix
	Events   *table.Matrix
}

// Options configures an Analyzer.
type Options struct {
	MinSupport int
}

// Analyzer runs residual association analyses.
type Analyzer struct {
	minSupport int
}

// NewAnalyzer creates an analyzer. A non-positive MinSupport selects DefaultMinSupport.
func NewAnalyzer(opts Options) *Analyzer {
	if opts.MinSupport <= 0 {
		opts.MinSupport = DefaultMinSupport
	}
	return &Analyzer{minSupport: opts.MinSupport}
}

// MinSupport returns the configured support threshold.
func (a *Analyzer) MinSupport() int { return a.minSupport }

// Cohort returns the sorted samples present in all three matrices.
func Cohort(in Inputs) ([]string, error) {
	if in.Response == nil || in.Screen == nil || in.Events == nil {
		return nil, ErrMissingInput
	}
	samples := table.Intersect(in.Response.Columns(), in.Screen.Columns(), in.Events.Columns())
	if len(samples) == 0 {
		return nil, ErrEmptyCohort
	}
	return samples, nil
}

// PrimaryFit is the regression of drug response on one gene's screen score.
type PrimaryFit struct {
	Samples   []string           `json:"samples"`
	Dropped   []string           `json:"dropped"`
	Observed  []num.Float        `json:"observed"`
	Score     []num.Float        `json:"score"`
	Intercept num.Float          `json:"intercept"`
	Slope     num.Float          `json:"slope"`
	Fit       *regression.Result `json:"fit"`

	residuals *table.Series
}

// Residuals returns the residual series keyed by sample.
func (p *PrimaryFit) Residuals() *table.Series { return p.residuals }

// Primary fits response = intercept + slope * score on the samples where both
// series are present. Samples missing in either series are dropped pairwise and
// reported in Dropped.
func Primary(response, score *table.Series) (*PrimaryFit, error) {
	aligned := table.AlignPair(response, score)
	if len(aligned.Samples) < 2 {
		return nil, fmt.Errorf("%w: %d paired samples (%d dropped)", ErrInsufficientData, len(aligned.Samples), len(aligned.Dropped))
	}
	if stat.Variance(aligned.X, nil) == 0 {
		return nil, fmt.Errorf("%w: screen score for %s has zero variance over %d samples", ErrDegenerateInput, score.Name(), len(aligned.Samples))
	}

	var design regression.Design
	design.Add(score.Name(), aligned.X)
	fit, err := regression.Fit(aligned.Y, design, regression.WithIntercept())
	if err != nil {
		return nil, err
	}
	// Variance below rounding noise leaves the score collinear with the intercept
	if fit.RankDeficient {
		return nil, fmt.Errorf("%w: screen score for %s is numerically constant over %d samples (rank %d)", ErrDegenerateInput, score.Name(), len(aligned.Samples), fit.Rank)
	}

	resid, err := table.NewSeries("residuals", aligned.Samples, fit.Residuals)
	if err != nil {
		return nil, err
	}
	return &PrimaryFit{
		Samples:   aligned.Samples,
		Dropped:   aligned.Dropped,
		Observed:  num.Slice(aligned.Y),
		Score:     num.Slice(aligned.X),
		Intercept: num.Float(fit.Params[0]),
		Slope:     num.Float(fit.Params[1]),
		Fit:       fit,
		residuals: resid,
	}, nil
}

// EventResidual is one ranked event.
type EventResidual struct {
	Event        string    `json:"event"`
	Count        int       `json:"count"`
	ResidualSum  num.Float `json:"residual_sum"`
	MeanResidual num.Float `json:"mean_residual"`
	Summary      Summary   `json:"summary"`
}

// RankEvents ranks events by the mean residual of the samples they affect.
//
// Events are restricted to the residual's samples. An event is kept when at
// least minSupport samples have indicator 1; a missing indicator counts as not
// affected. The result is sorted by mean residual ascending, and events with
// equal means keep their matrix row order.
func RankEvents(residuals *table.Series, events *table.Matrix, minSupport int) []EventResidual {
	if minSupport < 1 {
		minSupport = 1
	}
	samples := residuals.Samples()
	values := residuals.Values()
	z := events.RestrictColumns(samples)
	rows := z.Rows()

	ranked := make([]EventResidual, 0)
	for i, event := range rows {
		var affected []float64
		var sum float64
		for j := range samples {
			if z.At(i, j) == 1 {
				affected = append(affected, values[j])
				sum += values[j]
			}
		}
		if len(affected) < minSupport {
			continue
		}
		ranked = append(ranked, EventResidual{
			Event:        event,
			Count:        len(affected),
			ResidualSum:  num.Float(sum),
			MeanResidual: num.Float(sum / float64(len(affected))),
			Summary:      summarize(affected),
		})
	}
	SortByMeanResidual(ranked)
	return ranked
}

// SortByMeanResidual sorts in place by mean residual ascending, stable on ties.
func SortByMeanResidual(ranked []EventResidual) {
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MeanResidual < ranked[j].MeanResidual
	})
}

// Coefficient is one term of the secondary regression.
type Coefficient struct {
	Name     string    `json:"name"`
	Estimate num.Float `json:"estimate"`
	StdErr   num.Float `json:"std_err"`
	TValue   num.Float `json:"t_value"`
	PValue   num.Float `json:"p_value"`
	FDR      num.Float `json:"fdr"`
}

// SecondaryFit is the regression of primary residuals on every event.
type SecondaryFit struct {
	Samples      []string           `json:"samples"`
	Dropped      []string           `json:"dropped"`
	Events       int                `json:"events"`
	Coefficients []Coefficient      `json:"coefficients"`
	Fit          *regression.Result `json:"fit"`
	Degenerate   bool               `json:"degenerate"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// Secondary regresses the residuals on all event indicators at once, with an intercept.
//
// Samples with a missing indicator in any event are dropped. The design is
// rank deficient whenever events approach or exceed the number of samples, or
// when events are constant or collinear over the cohort; the fit is still
// returned, with Degenerate set and the reason in Warnings.
func Secondary(residuals *table.Series, events *table.Matrix) (*SecondaryFit, error) {
	samples := residuals.Samples()
	z := events.RestrictColumns(samples)
	nEvents, _ := z.Dims()

	var kept []int
	out := &SecondaryFit{Events: nEvents}
	for j, id := range samples {
		complete := true
		for i := 0; i < nEvents; i++ {
			if table.IsMissing(z.At(i, j)) {
				complete = false
				break
			}
		}
		if complete {
			kept = append(kept, j)
			out.Samples = append(out.Samples, id)
		} else {
			out.Dropped = append(out.Dropped, id)
		}
	}
	if len(kept) < 2 {
		return nil, fmt.Errorf("%w: %d samples with complete event indicators (%d dropped)", ErrInsufficientData, len(kept), len(out.Dropped))
	}

	values := residuals.Values()
	y := make([]float64, len(kept))
	for k, j := range kept {
		y[k] = values[j]
	}
	var design regression.Design
	for i, event := range z.Rows() {
		col := make([]float64, len(kept))
		for k, j := range kept {
			col[k] = z.At(i, j)
		}
		design.Add(event, col)
	}

	fit, err := regression.Fit(y, design, regression.WithIntercept())
	if err != nil {
		return nil, err
	}
	out.Fit = fit

	if fit.RankDeficient {
		out.Degenerate = true
		out.Warnings = append(out.Warnings, fmt.Sprintf("design matrix is rank deficient: rank %d for %d columns; coefficients are minimum-norm estimates", fit.Rank, len(fit.Params)))
	}
	if nEvents+1 >= len(kept) {
		out.Degenerate = true
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d events for %d samples; estimates are unreliable", nEvents, len(kept)))
	}

	fdr := BenjaminiHochberg(fit.PValues[1:])
	out.Coefficients = make([]Coefficient, len(fit.Params))
	for i := range fit.Params {
		c := Coefficient{
			Name:     fit.Names[i],
			Estimate: num.Float(fit.Params[i]),
			StdErr:   num.Float(fit.StdErr[i]),
			TValue:   num.Float(fit.TValues[i]),
			PValue:   num.Float(fit.PValues[i]),
			FDR:      num.NaN(),
		}
		if i > 0 {
			c.FDR = num.Float(fdr[i-1])
		}
		out.Coefficients[i] = c
	}
	return out, nil
}

// EventGroups splits residuals by one event's indicator.
type EventGroups struct {
	Event      string          `json:"event"`
	Affected   []string        `json:"affected"`
	Unaffected []string        `json:"unaffected"`
	Missing    []string        `json:"missing"`
	Residuals1 []num.Float     `json:"residuals_affected"`
	Residuals0 []num.Float     `json:"residuals_unaffected"`
	Summary1   Summary         `json:"summary_affected"`
	Summary0   Summary         `json:"summary_unaffected"`
	Comparison GroupComparison `json:"comparison"`
}

// GroupByEvent splits the residuals into samples with indicator 1 and 0 for one event.
func GroupByEvent(residuals *table.Series, events *table.Matrix, event string) (*EventGroups, error) {
	row, err := events.Row(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, event)
	}
	g := &EventGroups{Event: event}
	var r0, r1 []float64
	for i := 0; i < residuals.Len(); i++ {
		id, r := residuals.At(i)
		v, _ := row.Value(id)
		switch {
		case v == 1:
			g.Affected = append(g.Affected, id)
			r1 = append(r1, r)
		case v == 0:
			g.Unaffected = append(g.Unaffected, id)
			r0 = append(r0, r)
		default:
			g.Missing = append(g.Missing, id)
		}
	}
	g.Residuals1 = num.Slice(r1)
	g.Residuals0 = num.Slice(r0)
	g.Summary1 = summarize(r1)
	g.Summary0 = summarize(r0)
	g.Comparison = compareGroups(r1, r0)
	return g, nil
}

// Request selects one analysis.
type Request struct {
	Drug DrugKey
	Gene string
	// Event optionally selects an event whose residual groups are reported.
	Event string
	// MinSupport overrides the analyzer threshold when positive.
	MinSupport int
}

// Report is the outcome of Run.
type Report struct {
	Drug       DrugKey         `json:"drug"`
	Gene       string          `json:"gene"`
	MinSupport int             `json:"min_support"`
	Cohort     int             `json:"cohort"`
	Primary    *PrimaryFit     `json:"primary"`
	Ranked     []EventResidual `json:"ranked"`
	Secondary  *SecondaryFit   `json:"secondary,omitempty"`
	Groups     *EventGroups    `json:"groups,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// Selection is a request resolved against the inputs: the cohort and the
// response and score rows restricted to it.
type Selection struct {
	Request    Request
	Cohort     []string
	Response   *table.Series
	Score      *table.Series
	MinSupport int
}

// Select resolves the drug, gene and optional event of req and the cohort.
func (a *Analyzer) Select(in Inputs, req Request) (*Selection, error) {
	cohort, err := Cohort(in)
	if err != nil {
		return nil, err
	}

	respRow, err := in.Response.Row(req.Drug.Key())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDrugNotFound, req.Drug)
	}
	scoreRow, err := in.Screen.Row(req.Gene)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGeneNotFound, req.Gene)
	}
	if req.Event != "" && !in.Events.HasRow(req.Event) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, req.Event)
	}

	minSupport := a.minSupport
	if req.MinSupport > 0 {
		minSupport = req.MinSupport
	}
	return &Selection{
		Request:    req,
		Cohort:     cohort,
		Response:   respRow.Restrict(cohort),
		Score:      scoreRow.Restrict(cohort),
		MinSupport: minSupport,
	}, nil
}

// Primary runs the primary regression of the selection.
func (s *Selection) Primary() (*PrimaryFit, error) {
	p, err := Primary(s.Response, s.Score)
	if err != nil {
		return nil, fmt.Errorf("primary regression %s ~ %s: %w", s.Request.Drug, s.Request.Gene, err)
	}
	return p, nil
}

// SecondaryWithWarnings runs Secondary and turns a failure into a warning, so
// callers keep the ranking. The returned warnings include the fit's own.
func SecondaryWithWarnings(residuals *table.Series, events *table.Matrix) (*SecondaryFit, []string) {
	secondary, err := Secondary(residuals, events)
	if err != nil {
		return nil, []string{fmt.Sprintf("secondary regression: %v", err)}
	}
	return secondary, append([]string(nil), secondary.Warnings...)
}

// Run executes align, fit, aggregate and fit for one request.
//
// Cohort and primary-regression failures abort the run. A failed secondary
// regression is reported in Warnings with Secondary left nil, so the ranking
// is still returned.
func (a *Analyzer) Run(in Inputs, req Request) (*Report, error) {
	sel, err := a.Select(in, req)
	if err != nil {
		return nil, err
	}
	primary, err := sel.Primary()
	if err != nil {
		return nil, err
	}

	report := &Report{
		Drug:       req.Drug,
		Gene:       req.Gene,
		MinSupport: sel.MinSupport,
		Cohort:     len(sel.Cohort),
		Primary:    primary,
		Ranked:     RankEvents(primary.Residuals(), in.Events, sel.MinSupport),
	}
	report.Secondary, report.Warnings = SecondaryWithWarnings(primary.Residuals(), in.Events)

	if req.Event != "" {
		groups, err := GroupByEvent(primary.Residuals(), in.Events, req.Event)
		if err != nil {
			return nil, err
		}
		report.Groups = groups
	}
	return report, nil
}
