package regression

import (
	"encoding/json"

	"github.com/cdrug/server/internal/num"
)

type resultJSON struct {
	Names         []string    `json:"names"`
	Params        []num.Float `json:"params"`
	StdErr        []num.Float `json:"std_err"`
	TValues       []num.Float `json:"t_values"`
	PValues       []num.Float `json:"p_values"`
	Fitted        []num.Float `json:"fitted,omitempty"`
	Residuals     []num.Float `json:"residuals,omitempty"`
	N             int         `json:"n"`
	Rank          int         `json:"rank"`
	DFModel       num.Float   `json:"df_model"`
	DFResid       num.Float   `json:"df_resid"`
	SSR           num.Float   `json:"ssr"`
	RSquared      num.Float   `json:"r_squared"`
	AdjRSquared   num.Float   `json:"adj_r_squared"`
	FValue        num.Float   `json:"f_value"`
	FPValue       num.Float   `json:"f_p_value"`
	CondNumber    num.Float   `json:"cond_number"`
	RankDeficient bool        `json:"rank_deficient"`
	HasConst      bool        `json:"has_const"`
}

// MarshalJSON encodes the fit with non-finite statistics as null.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Names:         r.Names,
		Params:        num.Slice(r.Params),
		StdErr:        num.Slice(r.StdErr),
		TValues:       num.Slice(r.TValues),
		PValues:       num.Slice(r.PValues),
		Fitted:        num.Slice(r.Fitted),
		Residuals:     num.Slice(r.Residuals),
		N:             r.N,
		Rank:          r.Rank,
		DFModel:       num.Float(r.DFModel),
		DFResid:       num.Float(r.DFResid),
		SSR:           num.Float(r.SSR),
		RSquared:      num.Float(r.RSquared),
		AdjRSquared:   num.Float(r.AdjRSquared),
		FValue:        num.Float(r.FValue),
		FPValue:       num.Float(r.FPValue),
		CondNumber:    num.Float(r.CondNumber),
		RankDeficient: r.RankDeficient,
		HasConst:      r.HasConst,
	})
}

// UnmarshalJSON decodes a fit written by MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	var j resultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*r = Result{
		Names:         j.Names,
		Params:        num.Float64s(j.Params),
		StdErr:        num.Float64s(j.StdErr),
		TValues:       num.Float64s(j.TValues),
		PValues:       num.Float64s(j.PValues),
		Fitted:        num.Float64s(j.Fitted),
		Residuals:     num.Float64s(j.Residuals),
		N:             j.N,
		Rank:          j.Rank,
		DFModel:       float64(j.DFModel),
		DFResid:       float64(j.DFResid),
		SSR:           float64(j.SSR),
		RSquared:      float64(j.RSquared),
		AdjRSquared:   float64(j.AdjRSquared),
		FValue:        float64(j.FValue),
		FPValue:       float64(j.FPValue),
		CondNumber:    float64(j.CondNumber),
		RankDeficient: j.RankDeficient,
		HasConst:      j.HasConst,
	}
	return nil
}

// WithoutObservations returns a copy of r that drops the per-observation vectors.
func (r *Result) WithoutObservations() *Result {
	c := *r
	c.Fitted = nil
	c.Residuals = nil
	return &c
}
