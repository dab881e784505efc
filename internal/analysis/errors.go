package analysis

import (
	"errors"

	"github.com/cdrug/server/internal/regression"
)

var (
	// ErrEmptyCohort indicates the input matrices share no samples.
	ErrEmptyCohort = errors.New("analysis: no samples common to all inputs")
	// ErrInsufficientData indicates fewer than two usable samples for a regression.
	ErrInsufficientData = regression.ErrInsufficientData
	// ErrDegenerateInput indicates a zero-variance predictor.
	ErrDegenerateInput = errors.New("analysis: degenerate input")
	// ErrDrugNotFound indicates the drug is absent from the response matrix.
	ErrDrugNotFound = errors.New("analysis: drug not found")
	// ErrGeneNotFound indicates the gene is absent from the screen matrix.
	ErrGeneNotFound = errors.New("analysis: gene not found")
	// ErrEventNotFound indicates the event is absent from the event matrix.
	ErrEventNotFound = errors.New("analysis: event not found")
	// ErrMissingInput indicates a nil input matrix.
	ErrMissingInput = errors.New("analysis: missing input matrix")
)
