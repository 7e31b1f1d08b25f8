package distopt

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pushpull/collectives"
	"github.com/gomlx/pushpull/types/shapes"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grad(values ...float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, len(values))
}

func newWrapped(client collectives.Client, mode ExecutionMode) *DistributedOptimizer {
	return Wrap(SGD().Done(), client).Mode(mode).Done()
}

// materializeAll resolves deferred gradients so the tests can compare values.
func materializeAll(t *testing.T, grads []tensors.Value) []tensors.Value {
	out := make([]tensors.Value, len(grads))
	for i, g := range grads {
		if g == nil {
			continue
		}
		var err error
		out[i], err = collectives.Materialize(g)
		require.NoError(t, err)
	}
	return out
}

func TestDirectPreservesOrderAndNils(t *testing.T) {
	client := &fakeClient{size: 4, addend: 10}
	opt := newWrapped(client, Direct)

	grads := []tensors.Value{grad(1), nil, grad(3), nil, grad(5)}
	averaged, err := opt.AggregateGradients(grads)
	require.NoError(t, err)
	require.Len(t, averaged, 5)
	assert.Nil(t, averaged[1])
	assert.Nil(t, averaged[3])
	for i, want := range map[int]float32{0: 11, 2: 13, 4: 15} {
		tensor := averaged[i].(*tensors.Tensor)
		assert.Equal(t, []float32{want}, tensors.FlatData[float32](tensor), "gradient #%d", i)
	}
	assert.Len(t, client.syncCalls, 3)
}

func TestDeferredPreservesOrderAndNils(t *testing.T) {
	client := &fakeClient{size: 4, addend: 10}
	opt := newWrapped(client, Deferred)

	grads := []tensors.Value{grad(1), nil, grad(3), nil, grad(5)}
	averaged, err := opt.AggregateGradients(grads)
	require.NoError(t, err)
	require.Len(t, averaged, 5)
	assert.Nil(t, averaged[1])
	assert.Nil(t, averaged[3])

	materialized := materializeAll(t, averaged)
	for i, want := range map[int]float32{0: 11, 2: 13, 4: 15} {
		tensor := materialized[i].(*tensors.Tensor)
		assert.Equal(t, []float32{want}, tensors.FlatData[float32](tensor), "gradient #%d", i)
	}
}

func TestSingleWorkerIsNoOp(t *testing.T) {
	for _, mode := range []ExecutionMode{Direct, Deferred} {
		client := &fakeClient{size: 1, addend: 10}
		opt := newWrapped(client, mode)

		grads := []tensors.Value{grad(1), nil, grad(3)}
		averaged, err := opt.AggregateGradients(grads)
		require.NoError(t, err)
		assert.Equal(t, grads, averaged, "%s mode must return the input unchanged", mode)
		assert.Zero(t, client.collectiveCalls(), "%s mode must not issue collective calls for one worker", mode)
	}
}

func TestDeferredSingleBarrierOverAllHandles(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1}
	opt := newWrapped(client, Deferred)

	grads := []tensors.Value{grad(1), nil, grad(3), grad(4), nil}
	_, err := opt.AggregateGradients(grads)
	require.NoError(t, err)

	require.Len(t, client.barrierCalls, 1, "exactly one barrier per request")
	assert.Len(t, client.barrierCalls[0], 3, "barrier covers one handle per non-nil gradient")
}

func TestDeferredResultsGatedOnWholeRequest(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1, manualResolve: true}
	opt := newWrapped(client, Deferred)

	averaged, err := opt.AggregateGradients([]tensors.Value{grad(1), grad(2)})
	require.NoError(t, err)

	first := averaged[0].(*collectives.Deferred)
	second := averaged[1].(*collectives.Deferred)
	assert.False(t, first.Ready())
	assert.False(t, second.Ready())

	// Completing only the first operation must not make its result readable:
	// the barrier covers the whole request.
	client.asyncCalls[0].op.Handle.Resolve(nil)
	assert.False(t, first.Ready())

	client.asyncCalls[1].op.Handle.Resolve(nil)
	assert.True(t, first.Ready())
	assert.True(t, second.Ready())
}

func TestDeferredIndicesAreOriginalPositions(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1}
	opt := newWrapped(client, Deferred)

	// Non-nil gradients at original positions 1, 3 and 5 (1-based).
	grads := []tensors.Value{grad(1), nil, grad(3), nil, grad(5)}
	_, err := opt.AggregateGradients(grads)
	require.NoError(t, err)

	launchIndices := make([]int, 0, 3)
	names := map[string]bool{}
	for _, call := range client.asyncCalls {
		launchIndices = append(launchIndices, call.index)
		require.False(t, names[call.op.Name], "two gradients got the same correlation name %q", call.op.Name)
		names[call.op.Name] = true
	}
	assert.Equal(t, []int{1, 3, 5}, launchIndices, "indices are original positions, never renumbered")

	bindIndices := make([]int, 0, 3)
	for _, call := range client.bindCalls {
		bindIndices = append(bindIndices, call.index)
	}
	assert.Equal(t, []int{1, 3, 5}, bindIndices, "bind indices match launch indices")
}

func TestApplyBeforeAggregateFails(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1}
	opt := newWrapped(client, Direct)

	params := []*Parameter{{Name: "w", Value: grad(1)}}
	err := opt.ApplyGradients(params, []tensors.Value{grad(1)})
	require.ErrorContains(t, err, "AggregateGradients")

	_, err = opt.AggregateGradients([]tensors.Value{grad(1)})
	require.NoError(t, err)
	require.NoError(t, opt.ApplyGradients(params, []tensors.Value{grad(1)}))

	// The sentinel is never reset: later applies keep working.
	require.NoError(t, opt.ApplyGradients(params, []tensors.Value{grad(1)}))
}

func TestAggregationIsNeverCached(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1}
	opt := newWrapped(client, Direct)

	grads := []tensors.Value{grad(1), grad(2)}
	for round := 1; round <= 3; round++ {
		_, err := opt.AggregateGradients(grads)
		require.NoError(t, err)
		assert.Equal(t, 2*round, len(client.syncCalls), "collective calls scale linearly with invocations")
	}
}

func TestSparseAsDense(t *testing.T) {
	sparse := &tensors.IndexedSlices{
		Indices:    []int32{1},
		Values:     tensors.FromFlatDataAndDimensions([]float32{5}, 1, 1),
		DenseShape: shapes.Make(dtypes.Float32, 2, 1),
	}

	// Densification on: the engine sees a dense tensor.
	client := &fakeClient{size: 2, addend: 0}
	opt := Wrap(SGD().Done(), client).SparseAsDense(true).Done()
	averaged, err := opt.AggregateGradients([]tensors.Value{sparse})
	require.NoError(t, err)
	require.IsType(t, &tensors.Tensor{}, client.syncCalls[0].grad)
	assert.Equal(t, []float32{0, 5}, tensors.FlatData[float32](averaged[0].(*tensors.Tensor)))

	// Densification off: the sparse gradient reaches the engine as is.
	client = &fakeClient{size: 2, addend: 0}
	opt = Wrap(SGD().Done(), client).Done()
	_, err = opt.AggregateGradients([]tensors.Value{sparse})
	require.NoError(t, err)
	require.IsType(t, &tensors.IndexedSlices{}, client.syncCalls[0].grad)
}

func TestDirectFailurePropagates(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1, failSyncAfter: 2}
	opt := newWrapped(client, Direct)

	_, err := opt.AggregateGradients([]tensors.Value{grad(1), grad(2), grad(3)})
	require.ErrorContains(t, err, "engine rejected push-pull")
	require.ErrorContains(t, err, "gradient #2")
}

func TestDeferredLaunchFailureAbandonsRequest(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1, failAsyncAfter: 2}
	opt := newWrapped(client, Deferred)

	_, err := opt.AggregateGradients([]tensors.Value{grad(1), grad(2), grad(3)})
	require.ErrorContains(t, err, "engine rejected async push-pull")
	assert.Empty(t, client.barrierCalls, "no barrier is formed over a partially launched request")
}

func TestAllNilGradients(t *testing.T) {
	for _, mode := range []ExecutionMode{Direct, Deferred} {
		client := &fakeClient{size: 2, addend: 1}
		opt := newWrapped(client, mode)
		averaged, err := opt.AggregateGradients([]tensors.Value{nil, nil})
		require.NoError(t, err)
		assert.Equal(t, []tensors.Value{nil, nil}, averaged)
		assert.Empty(t, client.barrierCalls)
	}
}

func TestScopeNaming(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1}
	opt := Wrap(SGD().Done(), client).Name("MyRun").Done()
	assert.Equal(t, "MyRun", opt.Name())
	_, err := opt.AggregateGradients([]tensors.Value{grad(1)})
	require.NoError(t, err)
	assert.Equal(t, "MyRun_PushPull", client.syncCalls[0].scope)

	client = &fakeClient{size: 2, addend: 1}
	opt = newWrapped(client, Direct)
	assert.Equal(t, "DistributedSGD", opt.Name())
}

func TestOptionsForwarded(t *testing.T) {
	client := &fakeClient{size: 2, addend: 1}
	opt := Wrap(SGD().Done(), client).
		DeviceDense("/gpu:0").
		DeviceSparse("/cpu:0").
		Done()
	_, err := opt.AggregateGradients([]tensors.Value{grad(1)})
	require.NoError(t, err)
	assert.Equal(t, "/gpu:0", client.syncCalls[0].opts.DeviceDense)
	assert.Equal(t, "/cpu:0", client.syncCalls[0].opts.DeviceSparse)
}

func TestDoneValidates(t *testing.T) {
	client := &fakeClient{size: 2}
	require.Panics(t, func() { Wrap(nil, client).Done() })
	require.Panics(t, func() { Wrap(SGD().Done(), nil).Done() })
}

func TestBroadcastParameters(t *testing.T) {
	client := &fakeClient{size: 3}
	params := []*Parameter{
		{Name: "w", Value: grad(1, 2)},
		{Name: "b", Value: grad(3)},
	}
	require.NoError(t, BroadcastParameters(client, params, 1))
	assert.Equal(t, []string{"BroadcastParameters/root=1", "BroadcastParameters/root=1"}, client.broadcasts)

	// Single worker: no collective calls.
	client = &fakeClient{size: 1}
	require.NoError(t, BroadcastParameters(client, params, 0))
	assert.Empty(t, client.broadcasts)
}

func TestModeFromEnv(t *testing.T) {
	t.Setenv(ModeEnvVar, "")
	assert.Equal(t, Direct, ModeFromEnv())
	t.Setenv(ModeEnvVar, "1")
	assert.Equal(t, Deferred, ModeFromEnv())
	t.Setenv(ModeEnvVar, "true")
	assert.Equal(t, Deferred, ModeFromEnv())
	t.Setenv(ModeEnvVar, "0")
	assert.Equal(t, Direct, ModeFromEnv())
}

func TestExecutionModeString(t *testing.T) {
	assert.Equal(t, "direct", Direct.String())
	assert.Equal(t, "deferred", Deferred.String())
	assert.Equal(t, "invalid", ExecutionMode(42).String())
}
