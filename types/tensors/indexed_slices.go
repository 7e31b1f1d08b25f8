package tensors

import (
	"fmt"

	"github.com/gomlx/pushpull/types/shapes"
	"github.com/pkg/errors"
)

// IndexedSlices is the sparse gradient representation: only the rows (leading
// axis entries) that received updates are stored, paired with their indices.
// Gradients of embedding lookups and other gather-style operations come in this
// form.
//
// Values has one row per entry of Indices; its trailing dimensions must match
// DenseShape's. Duplicate indices are allowed and accumulate when densified.
type IndexedSlices struct {
	// Indices into the leading axis of DenseShape, one per row of Values.
	Indices []int32

	// Values holds the update rows, shape [len(Indices), DenseShape.Dimensions[1:]...].
	Values *Tensor

	// DenseShape is the shape of the equivalent dense gradient.
	DenseShape shapes.Shape
}

// Shape returns the dense shape of the gradient. It implements Value.
func (s *IndexedSlices) Shape() shapes.Shape { return s.DenseShape }

// Check validates the internal consistency of the slices.
func (s *IndexedSlices) Check() error {
	if s.Values == nil || !s.DenseShape.Ok() {
		return errors.Errorf("IndexedSlices requires Values and DenseShape to be set")
	}
	if s.DenseShape.Rank() < 1 {
		return errors.Errorf("IndexedSlices dense shape must have rank >= 1, got %s", s.DenseShape)
	}
	if s.Values.Rank() != s.DenseShape.Rank() {
		return errors.Errorf("IndexedSlices values rank %d doesn't match dense shape %s", s.Values.Rank(), s.DenseShape)
	}
	if s.Values.Shape().Dimensions[0] != len(s.Indices) {
		return errors.Errorf("IndexedSlices has %d indices but %d value rows", len(s.Indices), s.Values.Shape().Dimensions[0])
	}
	rows := int32(s.DenseShape.Dimensions[0])
	for _, idx := range s.Indices {
		if idx < 0 || idx >= rows {
			return errors.Errorf("IndexedSlices index %d out of range for dense shape %s", idx, s.DenseShape)
		}
	}
	return nil
}

// ToDense scatter-adds the rows into a zero tensor of DenseShape. Rows listed
// more than once accumulate.
//
// Only float dtypes are supported -- gradients are floats.
func (s *IndexedSlices) ToDense() (*Tensor, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	dense := FromShape(s.DenseShape)
	rowSize := 1
	for _, dim := range s.DenseShape.Dimensions[1:] {
		rowSize *= dim
	}
	switch denseFlat := dense.flat.(type) {
	case []float32:
		valuesFlat := FlatData[float32](s.Values)
		for row, idx := range s.Indices {
			target := denseFlat[int(idx)*rowSize : (int(idx)+1)*rowSize]
			source := valuesFlat[row*rowSize : (row+1)*rowSize]
			for i, v := range source {
				target[i] += v
			}
		}
	case []float64:
		valuesFlat := FlatData[float64](s.Values)
		for row, idx := range s.Indices {
			target := denseFlat[int(idx)*rowSize : (int(idx)+1)*rowSize]
			source := valuesFlat[row*rowSize : (row+1)*rowSize]
			for i, v := range source {
				target[i] += v
			}
		}
	default:
		return nil, errors.Errorf("IndexedSlices.ToDense: unsupported dtype %s", s.DenseShape.DType)
	}
	return dense, nil
}

// String pretty-prints the slices without dumping large values.
func (s *IndexedSlices) String() string {
	return fmt.Sprintf("IndexedSlices%s: %d rows", s.DenseShape, len(s.Indices))
}
