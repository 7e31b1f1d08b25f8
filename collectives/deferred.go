package collectives

import (
	"sync"

	"github.com/gomlx/pushpull/types/shapes"
	"github.com/gomlx/pushpull/types/tensors"
)

// Deferred is a named future tensor: the result of an asynchronous collective
// operation, readable only once its gate (the operation's own Handle, or after
// binding, the request's BarrierHandle) resolves.
//
// It implements tensors.Value, so deferred results flow through the same APIs
// as materialized gradients; consumers call Materialize when they actually need
// the values, which is where the blocking happens.
type Deferred struct {
	name  string
	index int
	shape shapes.Shape
	gate  Awaitable
	fetch func() (*tensors.Tensor, error)

	once  sync.Once
	value *tensors.Tensor
	err   error
}

// NewDeferred returns a future tensor of the given shape, gated on gate. fetch
// is called once, after the gate resolves, to produce the value; engines
// typically have it read the completed operation's result slot.
func NewDeferred(name string, index int, shape shapes.Shape, gate Awaitable, fetch func() (*tensors.Tensor, error)) *Deferred {
	return &Deferred{
		name:  name,
		index: index,
		shape: shape,
		gate:  gate,
		fetch: fetch,
	}
}

// Name is the stable operation name correlating this result across workers and
// across the barrier binding.
func (d *Deferred) Name() string { return d.name }

// Index is the 1-based position of the gradient within its aggregation request.
func (d *Deferred) Index() int { return d.index }

// Shape of the eventual tensor. It implements tensors.Value.
func (d *Deferred) Shape() shapes.Shape { return d.shape }

// Ready reports whether Materialize would return without blocking.
func (d *Deferred) Ready() bool { return d.gate.Resolved() }

// Materialize blocks until the gate resolves and returns the tensor, or the
// error of the failed operation. It is idempotent: the value (or error) is
// computed once and cached.
func (d *Deferred) Materialize() (*tensors.Tensor, error) {
	d.once.Do(func() {
		if err := d.gate.Wait(); err != nil {
			d.err = err
			return
		}
		d.value, d.err = d.fetch()
	})
	return d.value, d.err
}

// Then returns a Deferred with the same gate that applies transform to the
// materialized value. shape is the shape of the transformed result (e.g. the
// decompressed dtype). The transform runs lazily, on the consumer's first
// Materialize.
func (d *Deferred) Then(shape shapes.Shape, transform func(*tensors.Tensor) (*tensors.Tensor, error)) *Deferred {
	return &Deferred{
		name:  d.name,
		index: d.index,
		shape: shape,
		gate:  d.gate,
		fetch: func() (*tensors.Tensor, error) {
			t, err := d.Materialize()
			if err != nil {
				return nil, err
			}
			return transform(t)
		},
	}
}

// BindToBarrier re-gates result on barrier under the given name and 1-based
// index: reading the returned Deferred waits for the completion of every
// operation the barrier covers, not just result's own.
//
// name and index must be the ones assigned when the operation was launched --
// rebinding under a different identity would mismatch results and their
// compression contexts.
func BindToBarrier(result *Deferred, barrier *BarrierHandle, name string, index int) *Deferred {
	return &Deferred{
		name:  name,
		index: index,
		shape: result.shape,
		gate:  barrier,
		// The barrier covers result's own handle, so by the time the barrier
		// resolves the fetch below won't block.
		fetch: func() (*tensors.Tensor, error) { return result.Materialize() },
	}
}

// Materialize resolves a gradient value: Deferred values are materialized
// (blocking until their gate resolves), dense and sparse tensors are returned
// as is.
func Materialize(value tensors.Value) (tensors.Value, error) {
	if deferred, ok := value.(*Deferred); ok {
		return deferred.Materialize()
	}
	return value, nil
}
