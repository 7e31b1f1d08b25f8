package distopt

import (
	"fmt"

	"github.com/gomlx/pushpull/collectives"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/pkg/errors"
)

// fakeClient is a recording collectives.Client: push-pulls return the input
// plus a fixed addend (standing in for the cross-worker average), and every
// call is recorded for the tests to inspect.
type fakeClient struct {
	size   int
	addend float32

	// manualResolve leaves async handles pending until the test resolves them.
	manualResolve bool

	// failSyncAfter / failAsyncAfter make the n-th (1-based) call fail; 0
	// disables.
	failSyncAfter  int
	failAsyncAfter int

	syncCalls    []fakeSyncCall
	asyncCalls   []fakeAsyncCall
	barrierCalls [][]*collectives.Handle
	bindCalls    []fakeBindCall
	broadcasts   []string
}

type fakeSyncCall struct {
	grad  tensors.Value
	scope string
	opts  collectives.Options
}

type fakeAsyncCall struct {
	grad  tensors.Value
	scope string
	index int
	op    *collectives.AsyncOp
}

type fakeBindCall struct {
	name  string
	index int
}

func (c *fakeClient) Name() string { return "fake" }
func (c *fakeClient) Size() int    { return c.size }
func (c *fakeClient) Rank() int    { return 0 }

// shifted returns grad (densified if sparse) plus the addend.
func (c *fakeClient) shifted(grad tensors.Value) (*tensors.Tensor, error) {
	var dense *tensors.Tensor
	switch g := grad.(type) {
	case *tensors.Tensor:
		dense = g.Clone()
	case *tensors.IndexedSlices:
		var err error
		dense, err = g.ToDense()
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("fake client cannot push-pull %T", grad)
	}
	flat := tensors.FlatData[float32](dense)
	for i := range flat {
		flat[i] += c.addend
	}
	return dense, nil
}

func (c *fakeClient) SyncPushPull(grad tensors.Value, scope string, opts collectives.Options) (*tensors.Tensor, error) {
	c.syncCalls = append(c.syncCalls, fakeSyncCall{grad: grad, scope: scope, opts: opts})
	if c.failSyncAfter > 0 && len(c.syncCalls) >= c.failSyncAfter {
		return nil, errors.New("engine rejected push-pull")
	}
	return c.shifted(grad)
}

func (c *fakeClient) AsyncPushPull(grad tensors.Value, scope string, opts collectives.Options, index int) (*collectives.AsyncOp, error) {
	if c.failAsyncAfter > 0 && len(c.asyncCalls)+1 >= c.failAsyncAfter {
		return nil, errors.New("engine rejected async push-pull")
	}
	result, err := c.shifted(grad)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s/PushPull_%d", scope, index)
	handle := collectives.NewHandle(name)
	if !c.manualResolve {
		handle.Resolve(nil)
	}
	op := &collectives.AsyncOp{
		Result: collectives.NewDeferred(name, index, result.Shape(), handle, func() (*tensors.Tensor, error) {
			return result, nil
		}),
		Name:    name,
		Handle:  handle,
		Context: nil,
	}
	c.asyncCalls = append(c.asyncCalls, fakeAsyncCall{grad: grad, scope: scope, index: index, op: op})
	return op, nil
}

func (c *fakeClient) Barrier(handles []*collectives.Handle) (*collectives.BarrierHandle, error) {
	c.barrierCalls = append(c.barrierCalls, handles)
	return collectives.NewBarrier(handles), nil
}

func (c *fakeClient) BindToBarrier(result *collectives.Deferred, barrier *collectives.BarrierHandle, name string, index int) *collectives.Deferred {
	c.bindCalls = append(c.bindCalls, fakeBindCall{name: name, index: index})
	return collectives.BindToBarrier(result, barrier, name, index)
}

func (c *fakeClient) Broadcast(t *tensors.Tensor, scope string, rootRank int) (*tensors.Tensor, error) {
	c.broadcasts = append(c.broadcasts, fmt.Sprintf("%s/root=%d", scope, rootRank))
	return t.Clone(), nil
}

// resolveAll resolves every pending async handle.
func (c *fakeClient) resolveAll() {
	for _, call := range c.asyncCalls {
		call.op.Handle.Resolve(nil)
	}
}

// collectiveCalls is the total number of collective operations issued.
func (c *fakeClient) collectiveCalls() int {
	return len(c.syncCalls) + len(c.asyncCalls) + len(c.broadcasts)
}
