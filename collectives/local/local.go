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

// Package local implements an in-process collective engine: the whole worker
// group lives in one process, one goroutine per worker, and collective
// operations rendezvous in shared memory.
//
// It serves tests, benchmarks and single-machine simulation of multi-worker
// training. Import it for the side effect of registering itself:
//
//	import _ "github.com/gomlx/pushpull/collectives/local"
//
// and select it with PUSHPULL_ENGINE="local:<num_workers>".
//
// Matching: collective calls are matched across workers by their position in
// each worker's call sequence -- the n-th collective call of every worker forms
// one round. This encodes the ordering contract of collective communication:
// if workers issue operations in different orders, the shapes at the same
// sequence position diverge and the round fails for all participants, instead
// of silently averaging unrelated gradients.
package local

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pushpull/collectives"
	"github.com/gomlx/pushpull/types/shapes"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the engine in the collectives registry.
const Name = "local"

func init() {
	collectives.Register(Name, New)
}

// New builds a local Engine from the registry configuration string: the number
// of workers, e.g. "4". Empty defaults to 1.
//
// It panics on an invalid configuration, as registry constructors do.
func New(config string) collectives.Engine {
	numWorkers := 1
	if config != "" {
		var err error
		numWorkers, err = strconv.Atoi(config)
		if err != nil || numWorkers < 1 {
			exceptions.Panicf("local engine configuration must be a positive number of workers, got %q", config)
		}
	}
	return NewEngine(numWorkers)
}

// Engine hosts numWorkers in-process workers. It implements
// collectives.Engine.
type Engine struct {
	size    int
	clients []*Client

	mu        sync.Mutex
	rounds    map[int64]*round
	finalized bool
}

// NewEngine returns an Engine for a worker group of the given size.
func NewEngine(numWorkers int) *Engine {
	if numWorkers < 1 {
		exceptions.Panicf("local.NewEngine: numWorkers must be >= 1, got %d", numWorkers)
	}
	e := &Engine{
		size:   numWorkers,
		rounds: make(map[int64]*round),
	}
	e.clients = make([]*Client, numWorkers)
	for rank := range e.clients {
		e.clients[rank] = &Client{engine: e, rank: rank}
	}
	klog.V(1).Infof("local collective engine created with %d worker(s)", numWorkers)
	return e
}

// Name implements collectives.Engine.
func (e *Engine) Name() string { return Name }

// Size implements collectives.Engine.
func (e *Engine) Size() int { return e.size }

// Client returns the client for the given worker rank. It implements
// collectives.Engine.
func (e *Engine) Client(rank int) collectives.Client {
	if rank < 0 || rank >= e.size {
		exceptions.Panicf("local engine has %d workers, no rank %d", e.size, rank)
	}
	return e.clients[rank]
}

// Finalize marks the engine invalid. Call it only after all worker goroutines
// stopped issuing collective operations. It implements collectives.Engine.
func (e *Engine) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = true
	e.rounds = nil
}

type roundKind int

const (
	roundPushPull roundKind = iota
	roundBroadcast
)

func (k roundKind) String() string {
	if k == roundBroadcast {
		return "broadcast"
	}
	return "push-pull"
}

// round is one cross-worker rendezvous: the seq-th collective call of every
// worker. The first contributor fixes kind, name and shape; every later
// contributor must match them.
type round struct {
	seq      int64
	kind     roundKind
	name     string
	rootRank int
	shape    shapes.Shape

	contributions []*tensors.Tensor
	pending       int

	result *tensors.Tensor
	err    error
	done   chan struct{}
}

func (r *round) fail(err error) {
	if r.err == nil {
		r.err = err
		close(r.done)
	}
}

// join contributes to the round at sequence position seq, blocking until all
// workers contributed and the reduction is done. The returned tensor is a
// private copy of the result.
func (e *Engine) join(seq int64, rank int, kind roundKind, name string, rootRank int, contribution *tensors.Tensor) (*tensors.Tensor, error) {
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()
		return nil, errors.Errorf("local engine already finalized")
	}
	r, found := e.rounds[seq]
	if !found {
		r = &round{
			seq:           seq,
			kind:          kind,
			name:          name,
			rootRank:      rootRank,
			shape:         contribution.Shape(),
			contributions: make([]*tensors.Tensor, e.size),
			pending:       e.size,
			done:          make(chan struct{}),
		}
		e.rounds[seq] = r
	}
	if r.err == nil {
		switch {
		case r.kind != kind || r.rootRank != rootRank:
			r.fail(errors.Errorf(
				"collective call #%d diverged: worker %d issued %s %q while another worker issued %s %q -- workers must issue the same sequence of collective operations",
				seq, rank, kind, name, r.kind, r.name))
		case !r.shape.Equal(contribution.Shape()):
			r.fail(errors.Errorf(
				"collective call #%d (%s %q): worker %d contributed shape %s, previous workers contributed %s -- workers must issue the same sequence of collective operations",
				seq, kind, name, rank, contribution.Shape(), r.shape))
		default:
			r.contributions[rank] = contribution
			r.pending--
			if r.pending == 0 {
				r.reduce()
				delete(e.rounds, seq)
				close(r.done)
			}
		}
	}
	e.mu.Unlock()

	<-r.done
	if r.err != nil {
		return nil, r.err
	}
	return r.result.Clone(), nil
}

// reduce computes the round's result from the full contribution set. Called
// with the engine lock held, once pending reaches zero.
func (r *round) reduce() {
	if r.kind == roundBroadcast {
		r.result = r.contributions[r.rootRank]
		return
	}
	result, err := average(r.contributions)
	if err != nil {
		r.err = errors.WithMessagef(err, "collective call #%d (%q)", r.seq, r.name)
		return
	}
	r.result = result
}

// Client is one worker's view of the local engine. It implements
// collectives.Client.
type Client struct {
	engine *Engine
	rank   int

	// seq counts the collective calls issued by this worker. Sequence numbers
	// are assigned at launch time, in the caller's goroutine, so asynchronous
	// operations keep the caller's issue order.
	seq atomic.Int64
}

// Name implements collectives.Client.
func (c *Client) Name() string { return Name }

// Size implements collectives.Client.
func (c *Client) Size() int { return c.engine.size }

// Rank implements collectives.Client.
func (c *Client) Rank() int { return c.rank }

// denseContribution turns a gradient value into the dense tensor transmitted by
// this engine. Sparse gradients are densified: the local engine averages in
// dense form regardless of placement hints.
func denseContribution(grad tensors.Value) (*tensors.Tensor, error) {
	switch g := grad.(type) {
	case *tensors.Tensor:
		return g, nil
	case *tensors.IndexedSlices:
		return g.ToDense()
	case nil:
		return nil, errors.Errorf("cannot push-pull a nil gradient")
	default:
		return nil, errors.Errorf("cannot push-pull a %T -- materialize deferred results first", grad)
	}
}

// SyncPushPull implements collectives.Client: it blocks until all workers
// contributed their tensor for this sequence position and returns the average.
func (c *Client) SyncPushPull(grad tensors.Value, scope string, opts Options) (*tensors.Tensor, error) {
	dense, err := denseContribution(grad)
	if err != nil {
		return nil, err
	}
	compressor := opts.CompressorOrNone()
	encoded, compressionCtx, err := compressor.Compress(dense)
	if err != nil {
		return nil, errors.WithMessagef(err, "compressing gradient for push-pull in scope %q", scope)
	}
	seq := c.seq.Add(1)
	averaged, err := c.engine.join(seq, c.rank, roundPushPull, scope, 0, encoded)
	if err != nil {
		return nil, err
	}
	return compressor.Decompress(averaged, compressionCtx)
}

// AsyncPushPull implements collectives.Client: it reserves this worker's next
// sequence position, launches the averaging in the background and returns
// immediately. The result stays compressed; decode it with the returned
// context after the barrier.
func (c *Client) AsyncPushPull(grad tensors.Value, scope string, opts Options, index int) (*collectives.AsyncOp, error) {
	if index < 1 {
		return nil, errors.Errorf("async push-pull index must be >= 1, got %d", index)
	}
	dense, err := denseContribution(grad)
	if err != nil {
		return nil, err
	}
	compressor := opts.CompressorOrNone()
	encoded, compressionCtx, err := compressor.Compress(dense)
	if err != nil {
		return nil, errors.WithMessagef(err, "compressing gradient #%d for push-pull in scope %q", index, scope)
	}

	name := OpName(scope, index)
	handle := collectives.NewHandle(name)
	seq := c.seq.Add(1)

	// resultSlot is written before the handle resolves; the channel close
	// orders it before any read through the deferred fetch.
	var resultSlot *tensors.Tensor
	go func() {
		averaged, joinErr := c.engine.join(seq, c.rank, roundPushPull, name, 0, encoded)
		resultSlot = averaged
		handle.Resolve(joinErr)
	}()

	result := collectives.NewDeferred(name, index, encoded.Shape(), handle, func() (*tensors.Tensor, error) {
		return resultSlot, nil
	})
	return &collectives.AsyncOp{
		Result:  result,
		Name:    name,
		Handle:  handle,
		Context: compressionCtx,
	}, nil
}

// Barrier implements collectives.Client.
func (c *Client) Barrier(handles []*collectives.Handle) (*collectives.BarrierHandle, error) {
	if len(handles) == 0 {
		return nil, errors.Errorf("barrier over an empty handle set")
	}
	klog.V(2).Infof("worker %d: barrier over %d handles", c.rank, len(handles))
	return collectives.NewBarrier(handles), nil
}

// BindToBarrier implements collectives.Client.
func (c *Client) BindToBarrier(result *collectives.Deferred, barrier *collectives.BarrierHandle, name string, index int) *collectives.Deferred {
	return collectives.BindToBarrier(result, barrier, name, index)
}

// Broadcast implements collectives.Client: every worker receives rootRank's
// tensor. Non-root workers contribute their current value, which must have the
// matching shape.
func (c *Client) Broadcast(t *tensors.Tensor, scope string, rootRank int) (*tensors.Tensor, error) {
	if rootRank < 0 || rootRank >= c.engine.size {
		return nil, errors.Errorf("broadcast root rank %d out of range for %d workers", rootRank, c.engine.size)
	}
	seq := c.seq.Add(1)
	return c.engine.join(seq, c.rank, roundBroadcast, scope, rootRank, t)
}

// OpName is the deterministic name of the index-th push-pull of a request in
// the given scope. All workers derive the same name for the same gradient.
func OpName(scope string, index int) string {
	return fmt.Sprintf("%s/PushPull_%d", scope, index)
}

// Options is an alias of collectives.Options, for readability of the methods
// above.
type Options = collectives.Options
