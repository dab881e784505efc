package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cdrug/server/internal/num"
)

// GroupComparison tests affected against unaffected residuals.
type GroupComparison struct {
	// MeanDiff is mean(affected) - mean(unaffected).
	MeanDiff num.Float `json:"mean_diff"`
	// Welch two-sided t-test.
	TStat   num.Float `json:"t_stat"`
	TDF     num.Float `json:"t_df"`
	TPValue num.Float `json:"t_pvalue"`
	// Mann-Whitney U of the affected group, two-sided normal approximation
	// with tie and continuity correction.
	U             num.Float `json:"u"`
	RankSumPValue num.Float `json:"ranksum_pvalue"`
}

func compareGroups(affected, unaffected []float64) GroupComparison {
	c := GroupComparison{
		MeanDiff:      num.NaN(),
		TStat:         num.NaN(),
		TDF:           num.NaN(),
		TPValue:       num.NaN(),
		U:             num.NaN(),
		RankSumPValue: num.NaN(),
	}
	if len(affected) == 0 || len(unaffected) == 0 {
		return c
	}
	c.MeanDiff = num.Float(stat.Mean(affected, nil) - stat.Mean(unaffected, nil))
	c.TStat, c.TDF, c.TPValue = welchTTest(affected, unaffected)
	c.U, c.RankSumPValue = mannWhitneyU(affected, unaffected)
	return c
}

func welchTTest(a, b []float64) (t, df, p num.Float) {
	t, df, p = num.NaN(), num.NaN(), num.NaN()
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 < 2 || n2 < 2 {
		return
	}
	m1, v1 := stat.MeanVariance(a, nil)
	m2, v2 := stat.MeanVariance(b, nil)
	se1, se2 := v1/n1, v2/n2
	se := math.Sqrt(se1 + se2)
	if se < 1e-15 {
		return
	}
	tv := (m1 - m2) / se
	dfv := (se1 + se2) * (se1 + se2) / (se1*se1/(n1-1) + se2*se2/(n2-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dfv}
	return num.Float(tv), num.Float(dfv), num.Float(2 * dist.CDF(-math.Abs(tv)))
}

func mannWhitneyU(a, b []float64) (u, p num.Float) {
	type entry struct {
		val      float64
		affected bool
	}
	combined := make([]entry, 0, len(a)+len(b))
	for _, v := range a {
		combined = append(combined, entry{v, true})
	}
	for _, v := range b {
		combined = append(combined, entry{v, false})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	// Average ranks over ties
	n := len(combined)
	r1, tieSum := 0.0, 0.0
	for i := 0; i < n; {
		j := i
		for j < n && combined[j].val == combined[i].val {
			j++
		}
		rank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if combined[k].affected {
				r1 += rank
			}
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	n1, n2, nf := float64(len(a)), float64(len(b)), float64(n)
	u1 := r1 - n1*(n1+1)/2
	sigma := math.Sqrt(n1 * n2 / 12 * ((nf + 1) - tieSum/(nf*(nf-1))))
	if sigma < 1e-10 {
		return num.Float(u1), num.NaN()
	}
	z := (math.Abs(u1-n1*n2/2) - 0.5) / sigma
	if z < 0 {
		z = 0
	}
	return num.Float(u1), num.Float(2 * distuv.UnitNormal.CDF(-z))
}
