package analysis

import (
	"github.com/montanaflynn/stats"

	"github.com/cdrug/server/internal/num"
)

// Summary describes a group of residuals.
type Summary struct {
	N      int       `json:"n"`
	Mean   num.Float `json:"mean"`
	Median num.Float `json:"median"`
	Q1     num.Float `json:"q1"`
	Q3     num.Float `json:"q3"`
	Min    num.Float `json:"min"`
	Max    num.Float `json:"max"`
	StdDev num.Float `json:"std_dev"`
}

func summarize(values []float64) Summary {
	s := Summary{
		N:      len(values),
		Mean:   num.NaN(),
		Median: num.NaN(),
		Q1:     num.NaN(),
		Q3:     num.NaN(),
		Min:    num.NaN(),
		Max:    num.NaN(),
		StdDev: num.NaN(),
	}
	if len(values) == 0 {
		return s
	}
	data := stats.Float64Data(values)
	if v, err := stats.Mean(data); err == nil {
		s.Mean = num.Float(v)
	}
	if v, err := stats.Median(data); err == nil {
		s.Median = num.Float(v)
	}
	if v, err := stats.Min(data); err == nil {
		s.Min = num.Float(v)
	}
	if v, err := stats.Max(data); err == nil {
		s.Max = num.Float(v)
	}
	if q, err := stats.Quartile(data); err == nil {
		s.Q1 = num.Float(q.Q1)
		s.Q3 = num.Float(q.Q3)
	} else {
		s.Q1, s.Q3 = s.Median, s.Median
	}
	if len(values) > 1 {
		if v, err := stats.StandardDeviationSample(data); err == nil {
			s.StdDev = num.Float(v)
		}
	}
	return s
}
