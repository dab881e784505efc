package analysis_test

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/table"
)

var nan = math.NaN()

func series(t *testing.T, name string, samples []string, values []float64) *table.Series {
	t.Helper()
	s, err := table.NewSeries(name, samples, values)
	require.NoError(t, err)
	return s
}

func matrix(t *testing.T, rows, cols []string, data ...float64) *table.Matrix {
	t.Helper()
	m, err := table.NewMatrix(rows, cols, data)
	require.NoError(t, err)
	return m
}

func sampleIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
	}
	return ids
}

//----------------------------------------------------------------------------//
// Cohort
//----------------------------------------------------------------------------//

func TestCohort(t *testing.T) {
	drug := matrix(t, []string{"1;A;v1"}, []string{"s1", "s2", "s3"}, 1, 2, 3)
	screen := matrix(t, []string{"G"}, []string{"s2", "s3", "s4"}, 1, 2, 3)
	events := matrix(t, []string{"E"}, []string{"s1", "s2", "s3"}, 0, 1, 0)

	cohort, err := analysis.Cohort(analysis.Inputs{Response: drug, Screen: screen, Events: events})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, cohort)

	other := matrix(t, []string{"E"}, []string{"x1"}, 1)
	_, err = analysis.Cohort(analysis.Inputs{Response: drug, Screen: screen, Events: other})
	assert.ErrorIs(t, err, analysis.ErrEmptyCohort)

	_, err = analysis.Cohort(analysis.Inputs{Response: drug, Screen: screen})
	assert.ErrorIs(t, err, analysis.ErrMissingInput)
}

//----------------------------------------------------------------------------//
// Primary regression
//----------------------------------------------------------------------------//

func TestPrimary_InsufficientData(t *testing.T) {
	cases := []struct {
		name string
		y, x *table.Series
	}{
		{
			"OnePairedSample",
			series(t, "drug", []string{"s1", "s2", "s3"}, []float64{1, nan, 3}),
			series(t, "G", []string{"s1", "s2", "s3"}, []float64{0, 1, nan}),
		},
		{
			"NoOverlap",
			series(t, "drug", []string{"s1", "s2"}, []float64{1, 2}),
			series(t, "G", []string{"s3", "s4"}, []float64{0, 1}),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fit, err := analysis.Primary(tc.y, tc.x)
			assert.Nil(t, fit)
			if !errors.Is(err, analysis.ErrInsufficientData) {
				t.Errorf("Primary error = %v; want %v", err, analysis.ErrInsufficientData)
			}
		})
	}
}

func TestPrimary_ZeroVarianceScore(t *testing.T) {
	y := series(t, "drug", []string{"s1", "s2", "s3"}, []float64{1, 2, 3})
	x := series(t, "G", []string{"s1", "s2", "s3"}, []float64{0.5, 0.5, 0.5})
	_, err := analysis.Primary(y, x)
	assert.ErrorIs(t, err, analysis.ErrDegenerateInput)
}

func TestPrimary_NumericallyConstantScore(t *testing.T) {
	samples := []string{"s1", "s2", "s3", "s4"}
	y := series(t, "drug", samples, []float64{1, 2, 3, 4})
	tests := []struct {
		name  string
		score []float64
	}{
		{"last differs by one ulp", []float64{1, 1, 1, 1 + 2.2e-16}},
		{"rounding noise", []float64{0.1, 0.1, 0.1 + 1.4e-17, 0.1}},
		{"large offset", []float64{1e8 + 0.1, 1e8 + 0.1, 1e8 + 0.1, 1e8 + 0.1 + 1.5e-8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := analysis.Primary(y, series(t, "G", samples, tt.score))
			assert.ErrorIs(t, err, analysis.ErrDegenerateInput)
		})
	}
}

func TestPrimary_InfiniteScoreIsDropped(t *testing.T) {
	samples := []string{"s1", "s2", "s3", "s4", "s5"}
	y := series(t, "drug", samples, []float64{1, 2, 3, 4, 5})
	x := series(t, "G", samples, []float64{0, 0.5, math.Inf(1), 1, 1.5})

	fit, err := analysis.Primary(y, x)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, fit.Dropped)
	assert.Len(t, fit.Samples, 4)
}

func TestPrimary_ExactRelationship(t *testing.T) {
	samples := []string{"s1", "s2", "s3", "s4"}
	y := series(t, "drug", samples, []float64{1, 2, 3, 4})
	x := series(t, "G", samples, []float64{0, 0.5, 1, 1.5})

	fit, err := analysis.Primary(y, x)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(fit.Intercept), 1e-9)
	assert.InDelta(t, 2.0, float64(fit.Slope), 1e-9)
	for i := 0; i < fit.Residuals().Len(); i++ {
		id, r := fit.Residuals().At(i)
		assert.Equal(t, samples[i], id)
		assert.InDelta(t, 0, r, 1e-9)
	}
}

func TestPrimary_BinaryScore(t *testing.T) {
	samples := []string{"s1", "s2", "s3", "s4"}
	y := series(t, "drug", samples, []float64{1, 2, 3, 4})
	x := series(t, "G", samples, []float64{0, 0, 1, 1})

	fit, err := analysis.Primary(y, x)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, float64(fit.Slope), 1e-9)
	assert.InDelta(t, 1.5, float64(fit.Intercept), 1e-9)
	assert.InDeltaSlice(t, []float64{-0.5, 0.5, -0.5, 0.5}, fit.Residuals().Values(), 1e-9)
}

func TestPrimary_FittedPlusResidualIsObserved(t *testing.T) {
	samples := sampleIDs(8)
	y := series(t, "drug", samples, []float64{2.1, nan, 3.4, 1.2, 0.7, 2.9, 4.4, 1.8})
	x := series(t, "G", samples, []float64{-0.2, 0.1, 0.5, -1.1, nan, 0.3, 1.2, -0.4})

	fit, err := analysis.Primary(y, x)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s4"}, fit.Dropped)
	assert.Len(t, fit.Samples, 6)

	for i, id := range fit.Samples {
		observed, _ := y.Value(id)
		r, ok := fit.Residuals().Value(id)
		require.True(t, ok)
		assert.InDelta(t, observed, fit.Fit.Fitted[i]+r, 1e-9)
		assert.InDelta(t, observed, float64(fit.Observed[i]), 0)
	}
}

//----------------------------------------------------------------------------//
// Event ranking
//----------------------------------------------------------------------------//

func rankingFixture(t *testing.T) (*table.Series, *table.Matrix) {
	t.Helper()
	samples := sampleIDs(10)
	resid := series(t, "residuals", samples, []float64{-2, -1, 0, 1, 2, 3, -3, 0.5, 1.5, -0.5})
	events := matrix(t,
		[]string{"rare", "gain", "loss", "mut"},
		samples,
		//s0 s1 s2 s3 s4 s5 s6 s7 s8 s9
		1, 1, 1, 0, 0, 0, 0, 0, 0, 0, // rare: 3 samples
		1, 1, 1, 0, 0, 0, 1, 0, 0, 1, // gain: 5 samples
		0, 0, 0, 1, 1, 1, 0, 1, 1, 0, // loss: 5 samples
		nan, 1, 1, 1, 1, 1, 0, 0, 0, 0, // mut: 5 samples, one missing
	)
	return resid, events
}

func TestRankEvents(t *testing.T) {
	resid, events := rankingFixture(t)

	ranked := analysis.RankEvents(resid, events, analysis.DefaultMinSupport)
	require.Len(t, ranked, 3)

	got := make([]string, len(ranked))
	for i, r := range ranked {
		got[i] = r.Event
	}
	assert.Equal(t, []string{"gain", "mut", "loss"}, got)

	assert.InDelta(t, -1.3, float64(ranked[0].MeanResidual), 1e-12)
	assert.InDelta(t, 1.0, float64(ranked[1].MeanResidual), 1e-12)
	assert.InDelta(t, 1.6, float64(ranked[2].MeanResidual), 1e-12)
	assert.Equal(t, 5, ranked[1].Count)
	assert.Equal(t, 5, ranked[0].Summary.N)
}

func TestRankEvents_BelowSupportExcluded(t *testing.T) {
	resid, events := rankingFixture(t)
	for _, r := range analysis.RankEvents(resid, events, 5) {
		assert.NotEqual(t, "rare", r.Event)
	}
	found := false
	for _, r := range analysis.RankEvents(resid, events, 3) {
		if r.Event == "rare" {
			found = true
		}
	}
	assert.True(t, found, "rare should pass a threshold of 3")
}

func TestRankEvents_MeanMatchesArithmeticMean(t *testing.T) {
	resid, events := rankingFixture(t)
	for _, r := range analysis.RankEvents(resid, events, 1) {
		row, err := events.Row(r.Event)
		require.NoError(t, err)
		var vals []float64
		for i := 0; i < resid.Len(); i++ {
			id, v := resid.At(i)
			if ind, _ := row.Value(id); ind == 1 {
				vals = append(vals, v)
			}
		}
		var sum float64
		for _, v := range vals {
			sum += v
		}
		assert.InDelta(t, sum/float64(len(vals)), float64(r.MeanResidual), 1e-12, r.Event)
	}
}

func TestRankEvents_SupportIsMonotonic(t *testing.T) {
	resid, events := rankingFixture(t)
	prev := map[string]bool{}
	for threshold := 10; threshold >= 1; threshold-- {
		cur := map[string]bool{}
		for _, r := range analysis.RankEvents(resid, events, threshold) {
			cur[r.Event] = true
		}
		for ev := range prev {
			assert.True(t, cur[ev], "event %s dropped when lowering threshold to %d", ev, threshold)
		}
		prev = cur
	}
}

func TestSortByMeanResidual_IdempotentAndStable(t *testing.T) {
	resid, events := rankingFixture(t)
	ranked := analysis.RankEvents(resid, events, 1)
	again := append([]analysis.EventResidual(nil), ranked...)
	analysis.SortByMeanResidual(again)
	assert.Equal(t, ranked, again)

	ties := []analysis.EventResidual{
		{Event: "b", MeanResidual: 1},
		{Event: "a", MeanResidual: 0},
		{Event: "c", MeanResidual: 1},
		{Event: "d", MeanResidual: 1},
	}
	analysis.SortByMeanResidual(ties)
	assert.Equal(t, "a", ties[0].Event)
	assert.Equal(t, "b", ties[1].Event)
	assert.Equal(t, "c", ties[2].Event)
	assert.Equal(t, "d", ties[3].Event)
}

//----------------------------------------------------------------------------//
// Secondary regression
//----------------------------------------------------------------------------//

func TestSecondary_UsesAllEventsAndDropsIncomplete(t *testing.T) {
	resid, events := rankingFixture(t)

	sec, err := analysis.Secondary(resid, events)
	require.NoError(t, err)

	assert.Equal(t, 4, sec.Events)
	assert.Equal(t, []string{"s0"}, sec.Dropped)
	assert.Len(t, sec.Samples, 9)
	require.Len(t, sec.Coefficients, 5)
	assert.Equal(t, "const", sec.Coefficients[0].Name)
	assert.Equal(t, "rare", sec.Coefficients[1].Name)
	assert.False(t, sec.Coefficients[0].FDR.Valid())
	for i, id := range sec.Samples {
		r, _ := resid.Value(id)
		assert.InDelta(t, r, sec.Fit.Fitted[i]+sec.Fit.Residuals[i], 1e-9)
	}
	for _, c := range sec.Coefficients[1:] {
		assert.True(t, c.FDR >= c.PValue-1e-12 && c.FDR <= 1, "fdr %v for p %v", c.FDR, c.PValue)
	}
}

func TestSecondary_FlagsRankDeficiency(t *testing.T) {
	samples := sampleIDs(4)
	resid := series(t, "residuals", samples, []float64{0.5, -0.5, 1, -1})
	events := matrix(t,
		[]string{"e1", "e2", "e3", "e4", "e5"},
		samples,
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
		1, 1, 0, 0,
	)
	sec, err := analysis.Secondary(resid, events)
	require.NoError(t, err)
	assert.True(t, sec.Degenerate)
	assert.True(t, sec.Fit.RankDeficient)
	assert.NotEmpty(t, sec.Warnings)
}

func TestSecondary_InsufficientData(t *testing.T) {
	samples := sampleIDs(3)
	resid := series(t, "residuals", samples, []float64{0.5, -0.5, 0})
	events := matrix(t, []string{"e1"}, samples, nan, 1, nan)
	_, err := analysis.Secondary(resid, events)
	assert.ErrorIs(t, err, analysis.ErrInsufficientData)
}

//----------------------------------------------------------------------------//
// Groups and Run
//----------------------------------------------------------------------------//

func TestGroupByEvent(t *testing.T) {
	resid, events := rankingFixture(t)
	g, err := analysis.GroupByEvent(resid, events, "mut")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4", "s5"}, g.Affected)
	assert.Equal(t, []string{"s0"}, g.Missing)
	assert.Len(t, g.Unaffected, 4)
	assert.InDelta(t, 1.0, float64(g.Summary1.Mean), 1e-12)
	assert.InDelta(t, 1.0, float64(g.Summary1.Median), 1e-12)
	assert.InDelta(t, float64(g.Summary1.Mean-g.Summary0.Mean), float64(g.Comparison.MeanDiff), 1e-12)
	assert.True(t, g.Comparison.TPValue.Valid())

	_, err = analysis.GroupByEvent(resid, events, "nope")
	assert.ErrorIs(t, err, analysis.ErrEventNotFound)
}

func runFixture(t *testing.T) analysis.Inputs {
	t.Helper()
	samples := sampleIDs(12)
	response := matrix(t, []string{"1047;Nutlin-3a (-);v17", "1909;Venetoclax;v17"}, samples,
		2.0, 2.4, 3.1, 3.9, 4.2, 5.1, 5.8, 6.2, 7.1, 7.7, nan, 9.0,
		1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	)
	screen := matrix(t, []string{"MDM2", "FLAT"}, append(samples, "extra"),
		-1.0, -0.8, -0.5, -0.3, 0.0, 0.2, 0.5, 0.6, 0.9, 1.2, 1.3, 1.5, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	)
	events := matrix(t, []string{"TP53_mut", "gain.cnaPANCAN303", "rare"}, samples,
		1, 1, 0, 1, 0, 1, 0, 1, 1, 0, 1, 0,
		0, 1, 1, 0, 1, 0, 1, 0, 1, 1, 0, 1,
		1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	)
	return analysis.Inputs{Response: response, Screen: screen, Events: events}
}

func TestRun(t *testing.T) {
	in := runFixture(t)
	a := analysis.NewAnalyzer(analysis.Options{})
	assert.Equal(t, analysis.DefaultMinSupport, a.MinSupport())

	drug, err := analysis.ResolveDrug(in.Response, "Nutlin-3a (-)")
	require.NoError(t, err)

	report, err := a.Run(in, analysis.Request{Drug: drug, Gene: "MDM2", Event: "gain.cnaPANCAN303"})
	require.NoError(t, err)

	assert.Equal(t, 12, report.Cohort)
	assert.Len(t, report.Primary.Samples, 11)
	assert.Equal(t, []string{"s10"}, report.Primary.Dropped)
	assert.Greater(t, float64(report.Primary.Slope), 0.0)

	events := make([]string, len(report.Ranked))
	for i, r := range report.Ranked {
		events[i] = r.Event
	}
	assert.ElementsMatch(t, []string{"TP53_mut", "gain.cnaPANCAN303"}, events)

	require.NotNil(t, report.Secondary)
	assert.Equal(t, 3, report.Secondary.Events)
	require.NotNil(t, report.Groups)
	assert.Equal(t, "gain.cnaPANCAN303", report.Groups.Event)

	// a lower threshold admits the rare event
	report, err = a.Run(in, analysis.Request{Drug: drug, Gene: "MDM2", MinSupport: 2})
	require.NoError(t, err)
	assert.Len(t, report.Ranked, 3)
	assert.Equal(t, 2, report.MinSupport)
}

func TestSelect(t *testing.T) {
	in := runFixture(t)
	a := analysis.NewAnalyzer(analysis.Options{MinSupport: 4})
	drug := analysis.DrugKey{ID: "1047", Name: "Nutlin-3a (-)", Version: "v17"}

	sel, err := a.Select(in, analysis.Request{Drug: drug, Gene: "MDM2"})
	require.NoError(t, err)
	assert.Len(t, sel.Cohort, 12)
	assert.Equal(t, 4, sel.MinSupport)
	assert.Equal(t, sel.Cohort, sel.Response.Samples())
	assert.Equal(t, sel.Cohort, sel.Score.Samples())
	assert.Equal(t, 1, sel.Response.Missing())

	primary, err := sel.Primary()
	require.NoError(t, err)
	report, err := a.Run(in, analysis.Request{Drug: drug, Gene: "MDM2"})
	require.NoError(t, err)
	assert.Equal(t, report.Primary.Samples, primary.Samples)
	assert.InDelta(t, float64(report.Primary.Slope), float64(primary.Slope), 1e-12)

	sel, err = a.Select(in, analysis.Request{Drug: drug, Gene: "MDM2", MinSupport: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sel.MinSupport)

	_, err = a.Select(in, analysis.Request{Drug: drug, Gene: "MDM2", Event: "NOPE"})
	assert.ErrorIs(t, err, analysis.ErrEventNotFound)

	// the score is checked when the selection is fitted
	sel, err = a.Select(in, analysis.Request{Drug: drug, Gene: "FLAT"})
	require.NoError(t, err)
	_, err = sel.Primary()
	assert.ErrorIs(t, err, analysis.ErrDegenerateInput)
}

func TestSecondaryWithWarnings(t *testing.T) {
	in := runFixture(t)
	sel, err := analysis.NewAnalyzer(analysis.Options{}).Select(in, analysis.Request{
		Drug: analysis.DrugKey{ID: "1047", Name: "Nutlin-3a (-)", Version: "v17"},
		Gene: "MDM2",
	})
	require.NoError(t, err)
	primary, err := sel.Primary()
	require.NoError(t, err)

	secondary, warnings := analysis.SecondaryWithWarnings(primary.Residuals(), in.Events)
	require.NotNil(t, secondary)
	assert.Equal(t, secondary.Warnings, warnings)

	empty := matrix(t, []string{"E"}, []string{"zz"}, 1)
	secondary, warnings = analysis.SecondaryWithWarnings(primary.Residuals(), empty)
	assert.Nil(t, secondary)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "secondary regression")
}

func TestRun_Errors(t *testing.T) {
	in := runFixture(t)
	a := analysis.NewAnalyzer(analysis.Options{MinSupport: 5})
	drug := analysis.DrugKey{ID: "1047", Name: "Nutlin-3a (-)", Version: "v17"}

	_, err := a.Run(in, analysis.Request{Drug: analysis.DrugKey{ID: "0", Name: "x", Version: "v1"}, Gene: "MDM2"})
	assert.ErrorIs(t, err, analysis.ErrDrugNotFound)

	_, err = a.Run(in, analysis.Request{Drug: drug, Gene: "NOPE"})
	assert.ErrorIs(t, err, analysis.ErrGeneNotFound)

	_, err = a.Run(in, analysis.Request{Drug: drug, Gene: "MDM2", Event: "NOPE"})
	assert.ErrorIs(t, err, analysis.ErrEventNotFound)

	_, err = a.Run(in, analysis.Request{Drug: drug, Gene: "FLAT"})
	assert.ErrorIs(t, err, analysis.ErrDegenerateInput)

	in.Events = matrix(t, []string{"E"}, []string{"zz"}, 1)
	_, err = a.Run(in, analysis.Request{Drug: drug, Gene: "MDM2"})
	assert.ErrorIs(t, err, analysis.ErrEmptyCohort)
}

func TestRun_SecondaryFailureIsReported(t *testing.T) {
	in := runFixture(t)
	samples := sampleIDs(12)
	data := make([]float64, 12)
	for i := range data {
		data[i] = nan
	}
	data[0] = 1
	in.Events = matrix(t, []string{"sparse"}, samples, data...)

	a := analysis.NewAnalyzer(analysis.Options{})
	report, err := a.Run(in, analysis.Request{Drug: analysis.DrugKey{ID: "1047", Name: "Nutlin-3a (-)", Version: "v17"}, Gene: "MDM2"})
	require.NoError(t, err)
	assert.Nil(t, report.Secondary)
	assert.Empty(t, report.Ranked)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "secondary regression")
}
