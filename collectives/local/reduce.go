package local

import (
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// average element-wise averages the contributions: sum divided by the
// worker-group size. All contributions have the same shape (checked by the
// round). Float16 accumulates in float32 to limit rounding drift.
func average(contributions []*tensors.Tensor) (*tensors.Tensor, error) {
	result := contributions[0].Clone()
	n := len(contributions)
	if n == 1 {
		return result, nil
	}
	switch resultFlat := result.Flat().(type) {
	case []float32:
		for _, contribution := range contributions[1:] {
			for i, v := range tensors.FlatData[float32](contribution) {
				resultFlat[i] += v
			}
		}
		scale := float32(1) / float32(n)
		for i := range resultFlat {
			resultFlat[i] *= scale
		}
	case []float64:
		for _, contribution := range contributions[1:] {
			for i, v := range tensors.FlatData[float64](contribution) {
				resultFlat[i] += v
			}
		}
		scale := 1 / float64(n)
		for i := range resultFlat {
			resultFlat[i] *= scale
		}
	case []float16.Float16:
		acc := make([]float32, len(resultFlat))
		for _, contribution := range contributions {
			for i, v := range tensors.FlatData[float16.Float16](contribution) {
				acc[i] += v.Float32()
			}
		}
		scale := float32(1) / float32(n)
		for i := range resultFlat {
			resultFlat[i] = float16.Fromfloat32(acc[i] * scale)
		}
	default:
		return nil, errors.Errorf("local engine cannot average dtype %s", result.DType())
	}
	return result, nil
}
