package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/num"
)

func fmtFloat(f num.Float) string {
	if !f.Valid() {
		return "NA"
	}
	return fmt.Sprintf("%.4g", float64(f))
}

func fmtP(f num.Float) string {
	if !f.Valid() {
		return "NA"
	}
	return fmt.Sprintf("%.3e", float64(f))
}

// WriteReport prints one report as tab-aligned text. top limits the ranked
// events shown from each end of the ranking; 0 shows all.
func WriteReport(w io.Writer, r *analysis.Report, top int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "## %s ~ %s\n", r.Drug, r.Gene)
	fmt.Fprintf(tw, "cohort\t%d\n", r.Cohort)

	p := r.Primary
	fmt.Fprintf(tw, "samples\t%d\t(%d dropped)\n", len(p.Samples), len(p.Dropped))
	fmt.Fprintf(tw, "intercept\t%s\n", fmtFloat(p.Intercept))
	fmt.Fprintf(tw, "slope\t%s\tp=%s\n", fmtFloat(p.Slope), fmtP(num.Float(p.Fit.PValues[1])))
	fmt.Fprintf(tw, "r_squared\t%s\n", fmtFloat(num.Float(p.Fit.RSquared)))
	tw.Flush()

	fmt.Fprintf(w, "\n# ranked events (min support %d): %d\n", r.MinSupport, len(r.Ranked))
	fmt.Fprintln(tw, "rank\tevent\tcount\tmean_residual\tmedian\tq1\tq3")
	for i, ev := range r.Ranked {
		if top > 0 && len(r.Ranked) > 2*top && i == top {
			fmt.Fprintf(tw, "...\t%d more\t\t\t\t\t\n", len(r.Ranked)-2*top)
		}
		if top > 0 && len(r.Ranked) > 2*top && i >= top && i < len(r.Ranked)-top {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n", i+1, ev.Event, ev.Count,
			fmtFloat(ev.MeanResidual), fmtFloat(ev.Summary.Median), fmtFloat(ev.Summary.Q1), fmtFloat(ev.Summary.Q3))
	}
	tw.Flush()

	if s := r.Secondary; s != nil {
		fmt.Fprintf(w, "\n# secondary regression: %d samples, %d events", len(s.Samples), s.Events)
		if s.Degenerate {
			fmt.Fprint(w, " (rank deficient)")
		}
		fmt.Fprintf(w, ", r_squared %s\n", fmtFloat(num.Float(s.Fit.RSquared)))
		fmt.Fprintln(tw, "term\testimate\tstd_err\tt\tp\tfdr")
		for _, c := range s.Coefficients {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.Name,
				fmtFloat(c.Estimate), fmtFloat(c.StdErr), fmtFloat(c.TValue), fmtP(c.PValue), fmtP(c.FDR))
		}
		tw.Flush()
	}

	if g := r.Groups; g != nil {
		fmt.Fprintf(w, "\n# %s groups\n", g.Event)
		fmt.Fprintln(tw, "group\tn\tmean\tmedian\tq1\tq3")
		for _, row := range []struct {
			name string
			s    analysis.Summary
		}{{"affected", g.Summary1}, {"unaffected", g.Summary0}} {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", row.name, row.s.N,
				fmtFloat(row.s.Mean), fmtFloat(row.s.Median), fmtFloat(row.s.Q1), fmtFloat(row.s.Q3))
		}
		tw.Flush()
		c := g.Comparison
		fmt.Fprintf(w, "welch t=%s p=%s, ranksum U=%s p=%s\n",
			fmtFloat(c.TStat), fmtP(c.TPValue), fmtFloat(c.U), fmtP(c.RankSumPValue))
	}

	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", strings.TrimSpace(warn))
	}
	return tw.Flush()
}
