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

// Package distopt wraps an optimizer for multi-worker data-parallel training:
// between the backward pass and the parameter update, every gradient is
// averaged ("push-pulled") across all workers, transparently to the inner
// optimizer.
//
// Usage:
//
//	client := engine.Client(rank)
//	opt := distopt.Wrap(distopt.SGD().LearningRate(0.01).Done(), client).
//		Mode(distopt.Deferred).
//		Done()
//	...each step...
//	grads := backwardPass()
//	grads, err := opt.AggregateGradients(grads)
//	err = opt.ApplyGradients(params, grads)
//
// Two execution modes exist, fixed at construction. Direct issues one blocking
// push-pull per gradient, in order. Deferred launches one asynchronous
// push-pull per gradient, submits all handles to a single barrier, binds every
// result to that barrier -- so no gradient is readable before all of them
// completed -- and decompresses lazily; it fits surrounding runtimes that
// compile the step ahead of time and cannot observe results synchronously.
//
// ApplyGradients refuses to run before the first AggregateGradients call: this
// guards against integrations whose execution mode silently bypasses the
// gradient-interception hook, which would apply raw, unsynchronized gradients.
package distopt

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pushpull/collectives"
	"github.com/gomlx/pushpull/compression"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecutionMode selects how the wrapper synchronizes gradients. It is fixed
// when the wrapper is built.
type ExecutionMode int

const (
	// Direct issues one synchronous push-pull per gradient.
	Direct ExecutionMode = iota

	// Deferred launches asynchronous push-pulls and gates all results behind
	// one barrier; reads block only when the values are actually consumed.
	Deferred
)

// String implements fmt.Stringer.
func (m ExecutionMode) String() string {
	switch m {
	case Direct:
		return "direct"
	case Deferred:
		return "deferred"
	}
	return "invalid"
}

// ModeEnvVar is the environment variable read by ModeFromEnv.
const ModeEnvVar = "PUSHPULL_DEFERRED"

// ModeFromEnv returns Deferred if the PUSHPULL_DEFERRED environment variable is
// set to "1" or "true", otherwise Direct. It is an explicit helper for CLIs --
// the mode is never read implicitly from the environment.
func ModeFromEnv() ExecutionMode {
	switch os.Getenv(ModeEnvVar) {
	case "1", "true":
		return Deferred
	}
	return Direct
}

// Parameter is one trainable parameter: a name and its current dense value.
// The aggregated gradients are re-zipped with parameters by position, so the
// parameter order must match the gradient order everywhere.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
}

// Optimizer is the inner update-step implementation the wrapper delegates to
// once gradients are synchronized.
type Optimizer interface {
	// Name of the optimizer, used to derive the wrapper's name.
	Name() string

	// ApplyGradients updates the parameters in place from the gradients, one
	// gradient per parameter, by position. A nil gradient leaves its parameter
	// untouched. Gradients may be deferred results; implementations
	// materialize them before use (see collectives.Materialize).
	ApplyGradients(params []*Parameter, grads []tensors.Value) error
}

// Wrap returns the configuration to build a DistributedOptimizer around inner,
// synchronizing gradients through client. Call Done when finished configuring:
//
//	opt := distopt.Wrap(inner, client).SparseAsDense(true).Done()
func Wrap(inner Optimizer, client collectives.Client) *Config {
	return &Config{
		inner:  inner,
		client: client,
		mode:   Direct,
	}
}

// Config configures a DistributedOptimizer being built. Create it with Wrap.
type Config struct {
	inner         Optimizer
	client        collectives.Client
	name          string
	deviceDense   string
	deviceSparse  string
	sparseAsDense bool
	compressor    compression.Compressor
	mode          ExecutionMode
}

// Name sets the wrapper name, which prefixes the scope of its collective
// operations. Defaults to "Distributed" + the inner optimizer's name.
func (c *Config) Name(name string) *Config {
	c.name = name
	return c
}

// DeviceDense sets the placement hint forwarded to the engine for dense
// gradients.
func (c *Config) DeviceDense(device string) *Config {
	c.deviceDense = device
	return c
}

// DeviceSparse sets the placement hint forwarded to the engine for sparse
// gradients.
func (c *Config) DeviceSparse(device string) *Config {
	c.deviceSparse = device
	return c
}

// SparseAsDense makes the wrapper densify IndexedSlices gradients before
// transmission. It simplifies the engine's contract at the cost of bandwidth.
func (c *Config) SparseAsDense(enabled bool) *Config {
	c.sparseAsDense = enabled
	return c
}

// Compression sets the compressor applied to gradients around transmission.
// Defaults to compression.None.
func (c *Config) Compression(compressor compression.Compressor) *Config {
	c.compressor = compressor
	return c
}

// Mode selects the execution mode. Defaults to Direct.
func (c *Config) Mode(mode ExecutionMode) *Config {
	c.mode = mode
	return c
}

// Done builds the DistributedOptimizer. It panics if the configuration is
// invalid (nil inner optimizer or client, unknown mode).
func (c *Config) Done() *DistributedOptimizer {
	if c.inner == nil {
		exceptions.Panicf("distopt.Wrap requires an inner optimizer, got nil")
	}
	if c.client == nil {
		exceptions.Panicf("distopt.Wrap requires a collectives.Client, got nil")
	}
	name := c.name
	if name == "" {
		name = "Distributed" + c.inner.Name()
	}
	scope := name + "_PushPull"
	opts := collectives.Options{
		DeviceDense:  c.deviceDense,
		DeviceSparse: c.deviceSparse,
		Compressor:   c.compressor,
	}
	var agg aggregator
	switch c.mode {
	case Direct:
		agg = &directAggregator{client: c.client, scope: scope, opts: opts, sparseAsDense: c.sparseAsDense}
	case Deferred:
		agg = &deferredAggregator{client: c.client, scope: scope, opts: opts, sparseAsDense: c.sparseAsDense}
	default:
		exceptions.Panicf("invalid execution mode %d", c.mode)
	}
	klog.V(1).Infof("distributed optimizer %q: %s mode, %d worker(s), compression=%s",
		name, c.mode, c.client.Size(), opts.CompressorOrNone().Name())
	return &DistributedOptimizer{
		name:   name,
		inner:  c.inner,
		client: c.client,
		agg:    agg,
	}
}

// DistributedOptimizer synchronizes gradients across the worker group before
// handing them to the inner optimizer's update step.
//
// One instance lives for the whole training run, used from the worker's single
// training goroutine.
type DistributedOptimizer struct {
	name   string
	inner  Optimizer
	client collectives.Client
	agg    aggregator

	// aggregated records whether AggregateGradients ever ran. It is never
	// reset: a one-time initialization guard, not a per-step flag.
	aggregated bool
}

// Name of the wrapper.
func (o *DistributedOptimizer) Name() string { return o.name }

// AggregateGradients averages the gradients across all workers and returns
// them in the same order, nil positions preserved. With a worker group of size
// 1 it returns the input unchanged without issuing collective calls.
//
// Every call issues a fresh round of collective operations; results are never
// cached.
func (o *DistributedOptimizer) AggregateGradients(grads []tensors.Value) ([]tensors.Value, error) {
	o.aggregated = true
	return o.agg.aggregate(grads)
}

// ApplyGradients delegates the update step to the inner optimizer. It fails if
// AggregateGradients was never called on this instance: that means the
// integration bypassed gradient interception and the gradients were never
// synchronized across workers.
func (o *DistributedOptimizer) ApplyGradients(params []*Parameter, grads []tensors.Value) error {
	if !o.aggregated {
		return errors.Errorf(
			"%s.ApplyGradients was called without a previous call to AggregateGradients: "+
				"gradients were never averaged across workers -- pass the backward pass' gradients "+
				"through AggregateGradients first", o.name)
	}
	return o.inner.ApplyGradients(params, grads)
}

// BroadcastParameters overwrites every worker's parameter values with
// rootRank's, in order. Call it once before training so all workers start from
// identical parameters. A worker group of size 1 is a no-op.
func BroadcastParameters(client collectives.Client, params []*Parameter, rootRank int) error {
	if client.Size() <= 1 {
		return nil
	}
	for _, param := range params {
		value, err := client.Broadcast(param.Value, "BroadcastParameters", rootRank)
		if err != nil {
			return errors.WithMessagef(err, "broadcasting parameter %q from worker %d", param.Name, rootRank)
		}
		param.Value = value
	}
	return nil
}
