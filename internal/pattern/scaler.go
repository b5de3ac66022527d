// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package pattern

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// minScale guards against columns whose population std is floating point
// noise rather than real spread.
const minScale = 1e-12

// Scaler standardizes each column to zero mean and unit population variance.
// Constant columns keep scale 1 so they pass through centered.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler learns column means and standard deviations from x.
func FitScaler(x *mat.Dense) *Scaler {
	_, cols := x.Dims()
	s := &Scaler{Mean: make([]float64, cols), Scale: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < minScale {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}
	return s
}

// Transform returns a scaled copy of x.
func (s *Scaler) Transform(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, x)
	return out
}
