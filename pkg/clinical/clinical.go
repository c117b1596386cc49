// Package clinical resolves which cohort subjects are kept for modeling and
// the clinical feature matrix that goes with them.
package clinical

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Resolver decides subject inclusion from clinical data. included has one
// entry per id; features has one row per id (rows of excluded subjects are
// undefined) or is nil when there are no features.
type Resolver interface {
	Resolve(ids []string, dir, name string) (included []bool, features *mat.Dense, err error)
}

// CSVResolver reads a table whose first column is the subject id and whose
// remaining columns are numeric features. A subject is included when it has
// a row and every feature of that row parses as a number.
type CSVResolver struct {
	logger *zap.Logger
}

// NewCSVResolver creates a CSVResolver
func NewCSVResolver(logger *zap.Logger) *CSVResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVResolver{logger: logger}
}

// Resolve implements Resolver
func (r *CSVResolver) Resolve(ids []string, dir, name string) ([]bool, *mat.Dense, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open clinical table: %w", err)
	}
	defer f.Close()
	return r.ResolveFrom(f, ids)
}

// ResolveFrom is Resolve over an already opened table
func (r *CSVResolver) ResolveFrom(rd io.Reader, ids []string) ([]bool, *mat.Dense, error) {
	cr := csv.NewReader(rd)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read clinical header: %w", err)
	}
	if len(header) < 1 {
		return nil, nil, errors.New("clinical table has no id column")
	}
	nFeatures := len(header) - 1

	rows := make(map[string][]float64)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("clinical table line %d: %w", line, err)
		}
		id := strings.TrimSpace(rec[0])
		values, ok := parseFeatures(rec[1:])
		if !ok {
			r.logger.Info("Excluding subject with incomplete clinical data", zap.String("subject", id))
			continue
		}
		rows[id] = values
	}

	included := make([]bool, len(ids))
	var features *mat.Dense
	if nFeatures > 0 && len(ids) > 0 {
		features = mat.NewDense(len(ids), nFeatures, nil)
	}
	for i, id := range ids {
		values, ok := rows[id]
		if !ok {
			if features != nil {
				for j := 0; j < nFeatures; j++ {
					features.Set(i, j, math.NaN())
				}
			}
			continue
		}
		included[i] = true
		if features != nil {
			features.SetRow(i, values)
		}
	}
	return included, features, nil
}

func parseFeatures(cells []string) ([]float64, bool) {
	values := make([]float64, len(cells))
	for i, c := range cells {
		v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil || math.IsNaN(v) {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}
