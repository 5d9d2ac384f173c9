package outlier

import "math"

// Classifier is an L2-regularised logistic regression over standardized
// features, fitted when labelled training data contains both classes.
type Classifier struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// fitClassifier runs batch gradient descent. labels are 1 for fraud.
func fitClassifier(rows [][]float64, labels []bool, iterations int, rate, l2 float64) *Classifier {
	var pos, neg int
	for _, l := range labels {
		if l {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil
	}

	dims := len(rows[0])
	n := float64(len(rows))
	c := &Classifier{Weights: make([]float64, dims)}
	grad := make([]float64, dims)

	for it := 0; it < iterations; it++ {
		for j := range grad {
			grad[j] = 0
		}
		gradBias := 0.0
		for i, row := range rows {
			y := 0.0
			if labels[i] {
				y = 1
			}
			diff := c.probability(row) - y
			for j, v := range row {
				grad[j] += diff * v
			}
			gradBias += diff
		}
		for j := range c.Weights {
			c.Weights[j] -= rate * (grad[j]/n + l2*c.Weights[j])
		}
		c.Bias -= rate * gradBias / n
	}
	return c
}

func (c *Classifier) probability(x []float64) float64 {
	z := c.Bias
	for j, w := range c.Weights {
		z += w * x[j]
	}
	return 1 / (1 + math.Exp(-z))
}
