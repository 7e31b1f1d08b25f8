/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements the host-side values exchanged by the gradient
// synchronization layer: a dense Tensor backed by a flat Go slice, and
// IndexedSlices, the sparse representation used by gradients of embedding-style
// lookups.
//
// Both implement Value, the union type the aggregation APIs take: a gradient is
// a *Tensor, an *IndexedSlices or nil (a parameter that received no gradient
// this step).
//
// Tensors here are plain host memory, there is no on-device counterpart: the
// synchronization layer treats placement as an opaque hint forwarded to the
// collective engine.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pushpull/types/shapes"
	"github.com/x448/float16"
)

// Value is a gradient value: either a dense *Tensor or a sparse *IndexedSlices.
// A nil Value denotes a parameter that received no gradient.
//
// Deferred results of asynchronous collective operations also implement Value
// (see the collectives package).
type Value interface {
	Shape() shapes.Shape
}

// Tensor is a dense multidimensional array with a flat backing slice of the
// shape's dtype.
type Tensor struct {
	shape shapes.Shape

	// flat holds the actual data, a []T slice of the Go type for shape.DType.
	flat any
}

// FromShape returns a Tensor of the given shape initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape")
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape.Clone(), flat: flatV.Interface()}
}

// FromFlatDataAndDimensions returns a Tensor with the given dimensions whose
// flattened values are data. The dtype is inferred from T.
//
// It panics if len(data) doesn't match the product of the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: shape %s needs %d values, got %d", shape, shape.Size(), len(data))
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromScalar returns a scalar (rank 0) Tensor holding value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{
		shape: shapes.Shape{DType: dtypes.FromGenericsType[T]()},
		flat:  []T{value},
	}
}

// Shape of the tensor. It implements Value.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType is a shortcut to Tensor.Shape().DType.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank is a shortcut to Tensor.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements stored, the product of the dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the bytes used by the flat data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the backing flat slice (a []T of the dtype's Go type) without
// copying. The caller must not resize it; mutating elements mutates the tensor.
func (t *Tensor) Flat() any { return t.flat }

// FlatData returns the backing flat slice of t with the given type, without
// copying. It panics if T is not the Go type of t's dtype.
func FlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.FlatData[%T]: tensor holds %s values", flat, t.DType())
	}
	return flat
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	flatV := reflect.ValueOf(t.flat)
	cloneV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneV, flatV)
	return &Tensor{shape: t.shape.Clone(), flat: cloneV.Interface()}
}

// Equal reports whether both tensors have the same shape and identical values.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// InDelta reports whether both tensors have the same shape and every element
// differs by at most delta. It only works for float dtypes.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	a, b := t.floats(), other.floats()
	for i := range a {
		if math.Abs(a[i]-b[i]) > delta {
			return false
		}
	}
	return true
}

// floats returns the flat data converted to float64. Panics for non-float dtypes.
func (t *Tensor) floats() []float64 {
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float32:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []float64:
		copy(out, flat)
	case []float16.Float16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	default:
		exceptions.Panicf("tensor with dtype %s does not hold floats", t.DType())
	}
	return out
}

// String pretty-prints the shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if t.Size() <= 16 {
		return fmt.Sprintf("Tensor%s: %v", t.shape, t.flat)
	}
	return fmt.Sprintf("Tensor%s: (%d values)", t.shape, t.Size())
}
