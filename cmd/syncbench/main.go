// syncbench simulates multi-worker data-parallel training on the in-process
// collective engine and reports gradient-synchronization throughput for both
// execution modes.
//
// Example:
//
//	syncbench -workers=4 -params=50 -dim=4096 -steps=200 -mode=deferred
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pushpull/collectives"
	"github.com/gomlx/pushpull/collectives/local"
	"github.com/gomlx/pushpull/compression"
	"github.com/gomlx/pushpull/distopt"
	"github.com/gomlx/pushpull/types/shapes"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagWorkers = flag.Int("workers", 4, "Worker-group size to simulate.")
	flagParams  = flag.Int("params", 20, "Number of model parameters (gradient tensors per step).")
	flagDim     = flag.Int("dim", 1024, "Elements per parameter tensor.")
	flagSteps   = flag.Int("steps", 100, "Training steps to run.")
	flagMode    = flag.String("mode", "direct", `Execution mode: "direct", "deferred" or "env" (read PUSHPULL_DEFERRED).`)
	flagFP16    = flag.Bool("fp16", false, "Compress gradients to float16 on the wire.")
	flagLR      = flag.Float64("learning_rate", 0.01, "SGD learning rate.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var mode distopt.ExecutionMode
	switch *flagMode {
	case "direct":
		mode = distopt.Direct
	case "deferred":
		mode = distopt.Deferred
	case "env":
		mode = distopt.ModeFromEnv()
	default:
		klog.Exitf("unknown -mode=%q", *flagMode)
	}

	engine := local.NewEngine(*flagWorkers)
	defer engine.Finalize()

	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%d workers, %s mode", *flagWorkers, mode)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
	)

	start := time.Now()
	var wg sync.WaitGroup
	for rank := 0; rank < *flagWorkers; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(engine.Client(rank), mode, bar)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	_ = bar.Finish()

	bytesPerStep := shapes.Make(dtypes.Float32, *flagDim).Memory() * uintptr(*flagParams)
	totalBytes := uint64(bytesPerStep) * uint64(*flagSteps) * uint64(*flagWorkers)
	fmt.Printf("\n%d steps x %d workers x %d params in %s\n", *flagSteps, *flagWorkers, *flagParams, elapsed.Round(time.Millisecond))
	fmt.Printf("gradient payload: %s total, %s/s\n",
		humanize.Bytes(totalBytes), humanize.Bytes(uint64(float64(totalBytes)/elapsed.Seconds())))
}

// runWorker runs the full training simulation for one worker rank.
func runWorker(client collectives.Client, mode distopt.ExecutionMode, bar *progressbar.ProgressBar) {
	rng := rand.New(rand.NewPCG(42, uint64(client.Rank())))

	params := make([]*distopt.Parameter, *flagParams)
	for i := range params {
		params[i] = &distopt.Parameter{
			Name:  fmt.Sprintf("param_%03d", i),
			Value: randomTensor(rng),
		}
	}
	// All workers start from rank 0's initialization.
	must.M(distopt.BroadcastParameters(client, params, 0))

	config := distopt.Wrap(distopt.SGD().LearningRate(*flagLR).Done(), client).Mode(mode)
	if *flagFP16 {
		config.Compression(compression.Float16())
	}
	opt := config.Done()

	for step := 0; step < *flagSteps; step++ {
		grads := make([]tensors.Value, len(params))
		for i := range grads {
			grads[i] = randomTensor(rng)
		}
		aggregated := must.M1(opt.AggregateGradients(grads))
		must.M(opt.ApplyGradients(params, aggregated))
		if client.Rank() == 0 {
			_ = bar.Add(1)
		}
	}
}

func randomTensor(rng *rand.Rand) *tensors.Tensor {
	data := make([]float32, *flagDim)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, *flagDim)
}
