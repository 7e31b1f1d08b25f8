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

// Package compression defines the paired encode/decode transform applied to
// gradients around their cross-worker transmission.
//
// A Compressor is stateless per call: Compress returns an opaque Context that
// must be handed back to Decompress for the same tensor. In the deferred
// (accelerated) execution mode compression happens at launch time and
// decompression only after the barrier over the whole request resolves, so the
// Context travels with the in-flight operation.
package compression

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pushpull/types/shapes"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Context is the opaque per-tensor state produced by Compress and consumed by
// the paired Decompress call. Its concrete type belongs to the Compressor that
// produced it.
type Context any

// Compressor encodes a gradient for transmission and decodes the combined
// result. Implementations must be safe for concurrent use: in deferred mode
// many gradients are in flight at once.
type Compressor interface {
	// Name identifies the compressor in logs.
	Name() string

	// Compress encodes the tensor for transmission and returns the context
	// needed to decode it.
	Compress(t *tensors.Tensor) (*tensors.Tensor, Context, error)

	// Decompress decodes a combined tensor using the context produced by the
	// paired Compress call.
	Decompress(t *tensors.Tensor, ctx Context) (*tensors.Tensor, error)
}

// None is the identity Compressor, the default: tensors are transmitted as is.
var None Compressor = noneCompressor{}

type noneCompressor struct{}

func (noneCompressor) Name() string { return "none" }

func (noneCompressor) Compress(t *tensors.Tensor) (*tensors.Tensor, Context, error) {
	return t, nil, nil
}

func (noneCompressor) Decompress(t *tensors.Tensor, ctx Context) (*tensors.Tensor, error) {
	return t, nil
}

// Float16 returns a Compressor that transmits float32 and float64 gradients as
// float16, halving (or quartering) the bytes on the wire at the cost of
// precision. Other dtypes pass through unchanged.
func Float16() Compressor { return float16Compressor{} }

type float16Compressor struct{}

// float16Context records the dtype to restore on decompression.
type float16Context struct {
	original dtypes.DType
}

func (float16Compressor) Name() string { return "float16" }

func (float16Compressor) Compress(t *tensors.Tensor) (*tensors.Tensor, Context, error) {
	original := t.DType()
	encoded := tensors.FromShape(shapes.Make(dtypes.Float16, t.Shape().Dimensions...))
	encodedFlat := tensors.FlatData[float16.Float16](encoded)
	switch flat := t.Flat().(type) {
	case []float32:
		for i, v := range flat {
			encodedFlat[i] = float16.Fromfloat32(v)
		}
	case []float64:
		for i, v := range flat {
			encodedFlat[i] = float16.Fromfloat32(float32(v))
		}
	case []float16.Float16:
		// Already half precision, nothing to encode.
		return t, float16Context{original: original}, nil
	default:
		return t, float16Context{original: original}, nil
	}
	return encoded, float16Context{original: original}, nil
}

func (float16Compressor) Decompress(t *tensors.Tensor, ctx Context) (*tensors.Tensor, error) {
	f16Ctx, ok := ctx.(float16Context)
	if !ok {
		return nil, errors.Errorf("float16 compressor got context of type %T, not one of its own", ctx)
	}
	if t.DType() != dtypes.Float16 || f16Ctx.original == dtypes.Float16 {
		return t, nil
	}
	flat := tensors.FlatData[float16.Float16](t)
	switch f16Ctx.original {
	case dtypes.Float32:
		decoded := make([]float32, len(flat))
		for i, v := range flat {
			decoded[i] = v.Float32()
		}
		return tensors.FromFlatDataAndDimensions(decoded, t.Shape().Dimensions...), nil
	case dtypes.Float64:
		decoded := make([]float64, len(flat))
		for i, v := range flat {
			decoded[i] = float64(v.Float32())
		}
		return tensors.FromFlatDataAndDimensions(decoded, t.Shape().Dimensions...), nil
	default:
		return nil, errors.Errorf("float16 compressor cannot restore dtype %s", f16Ctx.original)
	}
}
