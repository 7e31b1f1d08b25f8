package distopt

import (
	"github.com/gomlx/pushpull/collectives"
	"github.com/gomlx/pushpull/types/shapes"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/pkg/errors"
)

// aggregator turns one worker's local gradients into cross-worker averages.
// Implementations must preserve length, order and nil positions.
type aggregator interface {
	aggregate(grads []tensors.Value) ([]tensors.Value, error)
}

// maybeDensify converts a sparse gradient to dense form when the wrapper is
// configured with SparseAsDense. Dense gradients pass through.
func maybeDensify(grad tensors.Value, sparseAsDense bool) (tensors.Value, error) {
	if !sparseAsDense {
		return grad, nil
	}
	if sparse, ok := grad.(*tensors.IndexedSlices); ok {
		return sparse.ToDense()
	}
	return grad, nil
}

// directAggregator issues one blocking push-pull per gradient, in order.
type directAggregator struct {
	client        collectives.Client
	scope         string
	opts          collectives.Options
	sparseAsDense bool
}

func (a *directAggregator) aggregate(grads []tensors.Value) ([]tensors.Value, error) {
	if a.client.Size() <= 1 {
		return grads, nil
	}
	averaged := make([]tensors.Value, 0, len(grads))
	for i, grad := range grads {
		if grad == nil {
			averaged = append(averaged, nil)
			continue
		}
		grad, err := maybeDensify(grad, a.sparseAsDense)
		if err != nil {
			return nil, errors.WithMessagef(err, "densifying gradient #%d", i+1)
		}
		avg, err := a.client.SyncPushPull(grad, a.scope, a.opts)
		if err != nil {
			return nil, errors.WithMessagef(err, "push-pull of gradient #%d", i+1)
		}
		averaged = append(averaged, avg)
	}
	return averaged, nil
}

// deferredAggregator launches one asynchronous push-pull per gradient, submits
// every handle to a single barrier, then binds each result to the barrier and
// attaches lazy decompression. Consumers block on first read, by which point
// the whole request has completed -- partial completion never leaks through.
type deferredAggregator struct {
	client        collectives.Client
	scope         string
	opts          collectives.Options
	sparseAsDense bool
}

func (a *deferredAggregator) aggregate(grads []tensors.Value) ([]tensors.Value, error) {
	if a.client.Size() <= 1 {
		return grads, nil
	}

	// Launch phase: one async push-pull per non-nil gradient. Indices are
	// 1-based positions in the full original list, so names stay unique and
	// identical across workers even when some positions are nil.
	ops := make([]*collectives.AsyncOp, len(grads))
	decodedShapes := make([]shapes.Shape, len(grads))
	handles := make([]*collectives.Handle, 0, len(grads))
	for i, grad := range grads {
		if grad == nil {
			continue
		}
		grad, err := maybeDensify(grad, a.sparseAsDense)
		if err != nil {
			return nil, errors.WithMessagef(err, "densifying gradient #%d", i+1)
		}
		op, err := a.client.AsyncPushPull(grad, a.scope, a.opts, i+1)
		if err != nil {
			// A failed launch abandons the whole request; no barrier is formed
			// over the subset already in flight.
			return nil, errors.WithMessagef(err, "launching push-pull of gradient #%d", i+1)
		}
		ops[i] = op
		decodedShapes[i] = grad.Shape()
		handles = append(handles, op.Handle)
	}
	if len(handles) == 0 {
		return grads, nil
	}

	// One barrier for the whole request, submitted only after every launch:
	// the handle set is fixed at barrier creation.
	barrier, err := a.client.Barrier(handles)
	if err != nil {
		return nil, errors.WithMessage(err, "submitting barrier over push-pull handles")
	}

	compressor := a.opts.CompressorOrNone()
	averaged := make([]tensors.Value, len(grads))
	for i, op := range ops {
		if op == nil {
			continue
		}
		synced := a.client.BindToBarrier(op.Result, barrier, op.Name, i+1)
		compressionCtx := op.Context
		averaged[i] = synced.Then(decodedShapes[i], func(t *tensors.Tensor) (*tensors.Tensor, error) {
			return compressor.Decompress(t, compressionCtx)
		})
	}
	return averaged, nil
}
