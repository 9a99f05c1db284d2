package ml

import (
	"math"

	"github.com/chewxy/math32"
)

// SoftmaxRows applies a numerically stable softmax to each row of data,
// treated as rows×cols in row-major order. Rows whose maximum is -Inf
// (fully masked) become all zeros rather than NaN.
func SoftmaxRows(data []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]

		rowMax := float32(math.Inf(-1))
		for _, v := range row {
			rowMax = max(rowMax, v)
		}

		if math.IsInf(float64(rowMax), -1) {
			clear(row)
			continue
		}

		var sum float32
		for i, v := range row {
			e := math32.Exp(v - rowMax)
			row[i] = e
			sum += e
		}

		for i := range row {
			row[i] /= sum
		}
	}
}
