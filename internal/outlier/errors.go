package outlier

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotTrained is returned when predicting before any model is fitted.
	ErrNotTrained = errors.New("outlier: model not trained")

	// ErrInsufficientData is returned when fitting on fewer than two samples.
	ErrInsufficientData = errors.New("outlier: at least 2 training samples are required")

	// ErrSchemaMismatch matches any *SchemaMismatchError via errors.Is.
	ErrSchemaMismatch = errors.New("outlier: feature schema mismatch")

	// ErrInvalidModel is returned when decoding a malformed model.
	ErrInvalidModel = errors.New("outlier: invalid model encoding")
)

// SchemaMismatchError reports a vector whose keys differ from the model's.
type SchemaMismatchError struct {
	Missing    []string
	Unexpected []string
	Expected   int
	Got        int
}

func (e *SchemaMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "outlier: feature schema mismatch (expected %d features, got %d)", e.Expected, e.Got)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing: %s", strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&b, "; unexpected: %s", strings.Join(e.Unexpected, ", "))
	}
	return b.String()
}

// Is lets errors.Is(err, ErrSchemaMismatch) match.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}
