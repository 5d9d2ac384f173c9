package outlier

import (
	"encoding/json"
	"fmt"
)

// ModelFormat identifies the JSON encoding of a Model.
const ModelFormat = "landwatch.outlier/v1"

// EncodeModel serializes a model.
func EncodeModel(m *Model) ([]byte, error) {
	if m == nil {
		return nil, ErrNotTrained
	}
	return json.Marshal(m)
}

// DecodeModel restores a model produced by EncodeModel.
func DecodeModel(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) validate() error {
	if m.Format != ModelFormat {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidModel, m.Format)
	}
	dims := len(m.FeatureNames)
	if dims == 0 {
		return fmt.Errorf("%w: no features", ErrInvalidModel)
	}
	if len(m.Mean) != dims || len(m.Std) != dims || len(m.Variance) != dims {
		return fmt.Errorf("%w: statistics do not match %d features", ErrInvalidModel, dims)
	}
	if len(m.Forest.Trees) == 0 {
		return fmt.Errorf("%w: empty forest", ErrInvalidModel)
	}
	for t, tree := range m.Forest.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d has no nodes", ErrInvalidModel, t)
		}
		for i, n := range tree.Nodes {
			if n.Feature == leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= dims ||
				n.Left <= i || n.Left >= len(tree.Nodes) ||
				n.Right <= i || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("%w: tree %d node %d is malformed", ErrInvalidModel, t, i)
			}
		}
	}
	if m.Density != nil {
		for _, c := range m.Density.Core {
			if len(c) != dims {
				return fmt.Errorf("%w: density core point has %d values", ErrInvalidModel, len(c))
			}
		}
	}
	if m.Classifier != nil && len(m.Classifier.Weights) != dims {
		return fmt.Errorf("%w: classifier has %d weights", ErrInvalidModel, len(m.Classifier.Weights))
	}
	return nil
}
