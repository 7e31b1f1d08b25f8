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

// Package collectives defines the boundary to the collective-communication
// engine that averages gradients across workers.
//
// The central abstraction is Client, the per-worker view of an engine. A Client
// issues "push-pull" operations -- every worker contributes a tensor and
// receives back the cross-worker average -- either synchronously (blocking) or
// asynchronously. Asynchronous operations return a Handle (an in-flight token)
// and a Deferred result; a Barrier over a set of handles produces a single
// BarrierHandle that resolves only when every constituent operation completed,
// and results bound to it (BindToBarrier) become readable only then.
//
// Collective operations are order-sensitive: all workers must issue the same
// sequence of calls with the same shapes, or the cross-worker matching breaks.
// Engines are expected to fail loudly (rather than mis-average) when they can
// detect divergence.
//
// Engines register themselves with Register; New picks one from the
// PUSHPULL_ENGINE environment variable, mirroring how compute backends are
// selected in GoMLX.
package collectives

import (
	"os"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pushpull/compression"
	"github.com/gomlx/pushpull/types/tensors"
	"golang.org/x/exp/maps"
)

// Options carries the per-request configuration forwarded to the engine: device
// placement hints and the compression strategy. The zero value is valid.
type Options struct {
	// DeviceDense is the placement hint for dense gradients, e.g. "/gpu:0".
	// Engines interpret it; the local engine ignores it.
	DeviceDense string

	// DeviceSparse is the placement hint for sparse (IndexedSlices) gradients.
	DeviceSparse string

	// Compressor applied around transmission. Nil means compression.None.
	Compressor compression.Compressor
}

// CompressorOrNone returns the configured compressor, defaulting to
// compression.None.
func (o Options) CompressorOrNone() compression.Compressor {
	if o.Compressor == nil {
		return compression.None
	}
	return o.Compressor
}

// AsyncOp is the in-flight state of one asynchronous push-pull: the deferred
// result, the stable name correlating it across the barrier, the completion
// Handle and the compression Context needed to decode the result.
type AsyncOp struct {
	// Result is the future averaged (still compressed) tensor, initially gated
	// on Handle only. Bind it to a barrier before reading.
	Result *Deferred

	// Name correlates the result with its barrier-gated completion. It is
	// derived deterministically from the scope and the gradient's position, so
	// all workers agree on it.
	Name string

	// Handle resolves when this operation completes.
	Handle *Handle

	// Context decodes the result, paired with the compressor in the launch
	// Options.
	Context compression.Context
}

// Client is one worker's view of a collective engine.
//
// All methods may be called from the worker's single training goroutine; a
// Client need not be safe for concurrent use by multiple goroutines.
type Client interface {
	// Name of the engine this client belongs to.
	Name() string

	// Size returns the worker-group size: the number of workers participating
	// in collective operations.
	Size() int

	// Rank of this worker, in [0, Size).
	Rank() int

	// SyncPushPull averages grad across all workers and blocks until the
	// average is available. grad is a dense *tensors.Tensor or a sparse
	// *tensors.IndexedSlices; the result is always dense.
	SyncPushPull(grad tensors.Value, scope string, opts Options) (*tensors.Tensor, error)

	// AsyncPushPull launches the averaging of grad and returns immediately.
	// index is the gradient's 1-based position in the request and makes the
	// operation name unique within scope; all workers must pass the same
	// scope/index for matching gradients.
	//
	// The returned AsyncOp.Result holds the still-compressed average; the
	// caller decompresses with AsyncOp.Context after the barrier.
	AsyncPushPull(grad tensors.Value, scope string, opts Options, index int) (*AsyncOp, error)

	// Barrier combines the handles of one request into a single BarrierHandle
	// that resolves once all of them have. The handle set is fixed at call
	// time: operations launched afterwards are not covered.
	Barrier(handles []*Handle) (*BarrierHandle, error)

	// BindToBarrier re-gates result on barrier: the returned Deferred is
	// readable only once every operation under the barrier completed. name and
	// index must be the ones assigned at launch time.
	BindToBarrier(result *Deferred, barrier *BarrierHandle, name string, index int) *Deferred

	// Broadcast distributes rootRank's tensor to all workers. Used to make the
	// initial parameter values identical before training starts.
	Broadcast(t *tensors.Tensor, scope string, rootRank int) (*tensors.Tensor, error)
}

// Engine hosts the worker group and hands out per-worker clients.
type Engine interface {
	// Name is the short engine name it was registered under.
	Name() string

	// Size is the worker-group size.
	Size() int

	// Client returns the Client for the given worker rank.
	Client(rank int) Client

	// Finalize releases the engine's resources; clients become invalid.
	Finalize()
}

// Constructor builds an Engine from an engine-specific configuration string.
type Constructor func(config string) Engine

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an engine constructor under the given name. Call it during package
// initialization.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered engines, sorted.
func Registered() []string {
	names := maps.Keys(registeredConstructors)
	sort.Strings(names)
	return names
}

// PUSHPULL_ENGINE is the environment variable with the default engine
// configuration, formatted as "<engine_name>:<engine_configuration>". The
// configuration part is engine specific (e.g. for the local engine it is the
// number of workers).
const PUSHPULL_ENGINE = "PUSHPULL_ENGINE"

// New returns an Engine built from the PUSHPULL_ENGINE environment variable if
// set, otherwise the first registered engine with an empty configuration.
//
// It panics if no engine was registered.
func New() Engine {
	if config, found := os.LookupEnv(PUSHPULL_ENGINE); found {
		return NewWithConfig(config)
	}
	return NewWithConfig("")
}

// NewWithConfig builds an Engine from a "<engine_name>:<engine_configuration>"
// string. An empty name selects the first registered engine.
func NewWithConfig(config string) Engine {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered collective engines -- import one, e.g. import _ "github.com/gomlx/pushpull/collectives/local"`)
	}
	engineName := firstRegistered
	engineConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		engineName = config[:idx]
		engineConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[engineName]
	if !found {
		exceptions.Panicf("can't find collective engine %q for configuration %q, registered engines: %v", engineName, config, Registered())
	}
	return constructor(engineConfig)
}
