// Package regression fits ordinary least squares models.
//
// Coefficients are computed from the Moore-Penrose pseudo-inverse of the
// design matrix (via a thin SVD), so rank-deficient designs still produce the
// minimum-norm solution. Such fits are flagged on the Result instead of being
// rejected; callers decide whether an unreliable fit is acceptable.
package regression

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ConstName is the coefficient name of the intercept column.
const ConstName = "const"

// rcond is the relative cutoff for small singular values, as in numpy.linalg.pinv.
const rcond = 1e-15

var (
	// ErrInsufficientData indicates fewer than two observations.
	ErrInsufficientData = errors.New("regression: fewer than 2 observations")
	// ErrDimensionMismatch indicates a predictor column whose length differs from the response.
	ErrDimensionMismatch = errors.New("regression: dimension mismatch")
	// ErrNoPredictors indicates an empty design without an intercept.
	ErrNoPredictors = errors.New("regression: design has no columns")
	// ErrFactorization indicates the SVD did not converge.
	ErrFactorization = errors.New("regression: SVD factorization failed")
)

// Design is a set of named predictor columns, each of length n.
type Design struct {
	Names   []string
	Columns [][]float64
}

// Add appends a named column.
func (d *Design) Add(name string, col []float64) {
	d.Names = append(d.Names, name)
	d.Columns = append(d.Columns, col)
}

type options struct {
	intercept bool
}

// Option configures Fit.
type Option func(*options)

// WithIntercept prepends a constant column named ConstName.
func WithIntercept() Option {
	return func(o *options) { o.intercept = true }
}

// Result is an immutable OLS fit.
type Result struct {
	Names     []string
	Params    []float64
	StdErr    []float64
	TValues   []float64
	PValues   []float64
	Fitted    []float64
	Residuals []float64

	N             int
	Rank          int
	DFModel       float64
	DFResid       float64
	SSR           float64
	RSquared      float64
	AdjRSquared   float64
	FValue        float64
	FPValue       float64
	CondNumber    float64
	RankDeficient bool
	HasConst      bool
}

// Fit regresses y on the design columns.
func Fit(y []float64, d Design, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := len(y)
	if n < 2 {
		return nil, fmt.Errorf("%w: n=%d", ErrInsufficientData, n)
	}
	if len(d.Names) != 0 && len(d.Names) != len(d.Columns) {
		return nil, fmt.Errorf("%w: %d names for %d columns", ErrDimensionMismatch, len(d.Names), len(d.Columns))
	}
	for j, col := range d.Columns {
		if len(col) != n {
			return nil, fmt.Errorf("%w: column %d has %d values, want %d", ErrDimensionMismatch, j, len(col), n)
		}
	}

	names := make([]string, 0, len(d.Columns)+1)
	if o.intercept {
		names = append(names, ConstName)
	}
	for j := range d.Columns {
		if len(d.Names) == 0 {
			names = append(names, fmt.Sprintf("x%d", j+1))
		} else {
			names = append(names, d.Names[j])
		}
	}
	p := len(names)
	if p == 0 {
		return nil, ErrNoPredictors
	}

	x := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		j := 0
		if o.intercept {
			x.Set(i, 0, 1)
			j = 1
		}
		for _, col := range d.Columns {
			x.Set(i, j, col[i])
			j++
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, ErrFactorization
	}
	sv := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	rank := 0
	cutoff := rcond * sv[0]
	for _, s := range sv {
		if s > cutoff {
			rank++
		}
	}

	// beta = V_r * diag(1/s_r) * U_r^T * y
	params := make([]float64, p)
	yv := mat.NewVecDense(n, append([]float64(nil), y...))
	for k := 0; k < rank; k++ {
		uy := mat.Dot(u.ColView(k), yv) / sv[k]
		for j := 0; j < p; j++ {
			params[j] += v.At(j, k) * uy
		}
	}

	fitted := make([]float64, n)
	residuals := make([]float64, n)
	var ssr float64
	for i := 0; i < n; i++ {
		var f float64
		for j := 0; j < p; j++ {
			f += x.At(i, j) * params[j]
		}
		fitted[i] = f
		residuals[i] = y[i] - f
		ssr += residuals[i] * residuals[i]
	}

	res := &Result{
		Names:         names,
		Params:        params,
		Fitted:        fitted,
		Residuals:     residuals,
		N:             n,
		Rank:          rank,
		SSR:           ssr,
		RankDeficient: rank < p,
		HasConst:      o.intercept,
	}

	kConst := 0.0
	if o.intercept {
		kConst = 1
	}
	res.DFResid = float64(n - rank)
	res.DFModel = float64(rank) - kConst

	var tss float64
	if o.intercept {
		mean := stat.Mean(y, nil)
		for _, yi := range y {
			tss += (yi - mean) * (yi - mean)
		}
	} else {
		for _, yi := range y {
			tss += yi * yi
		}
	}
	res.RSquared = math.NaN()
	res.AdjRSquared = math.NaN()
	if tss > 0 {
		res.RSquared = 1 - ssr/tss
		if res.DFResid > 0 {
			res.AdjRSquared = 1 - (float64(n)-kConst)/res.DFResid*(1-res.RSquared)
		}
	}

	if last := sv[len(sv)-1]; last > 0 {
		res.CondNumber = sv[0] / last
	} else {
		res.CondNumber = math.Inf(1)
	}

	scale := math.NaN()
	if res.DFResid > 0 {
		scale = ssr / res.DFResid
	}

	// cov(beta) = scale * V_r * diag(1/s_r^2) * V_r^T
	res.StdErr = make([]float64, p)
	res.TValues = make([]float64, p)
	res.PValues = make([]float64, p)
	var tdist distuv.StudentsT
	if res.DFResid > 0 {
		tdist = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: res.DFResid}
	}
	for j := 0; j < p; j++ {
		var c float64
		for k := 0; k < rank; k++ {
			c += v.At(j, k) * v.At(j, k) / (sv[k] * sv[k])
		}
		se := math.Sqrt(scale * c)
		res.StdErr[j] = se
		res.TValues[j] = params[j] / se
		if res.DFResid > 0 {
			res.PValues[j] = 2 * tdist.Survival(math.Abs(res.TValues[j]))
		} else {
			res.PValues[j] = math.NaN()
		}
	}

	res.FValue = math.NaN()
	res.FPValue = math.NaN()
	if res.DFModel > 0 && res.DFResid > 0 && tss > 0 {
		ess := tss - ssr
		res.FValue = (ess / res.DFModel) / (ssr / res.DFResid)
		f := distuv.F{D1: res.DFModel, D2: res.DFResid}
		res.FPValue = f.Survival(res.FValue)
	}

	return res, nil
}

// Param returns the coefficient with the given name.
func (r *Result) Param(name string) (float64, bool) {
	for i, n := range r.Names {
		if n == name {
			return r.Params[i], true
		}
	}
	return math.NaN(), false
}

// Predict evaluates the model for one observation of the (non-constant) predictors.
func (r *Result) Predict(row []float64) (float64, error) {
	offset := 0
	if r.HasConst {
		offset = 1
	}
	if len(row) != len(r.Params)-offset {
		return math.NaN(), fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(row), len(r.Params)-offset)
	}
	var f float64
	if r.HasConst {
		f = r.Params[0]
	}
	for j, xj := range row {
		f += r.Params[j+offset] * xj
	}
	return f, nil
}
