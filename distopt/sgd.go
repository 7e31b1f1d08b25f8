package distopt

import (
	"github.com/gomlx/pushpull/collectives"
	"github.com/gomlx/pushpull/types/tensors"
	"github.com/pkg/errors"
)

// SGDDefaultLearningRate is used by SGD if no learning rate is set.
const SGDDefaultLearningRate = 0.01

// SGD returns the configuration for a plain stochastic-gradient-descent
// optimizer, the reference inner Optimizer used by the tests and the bench.
// Call Done once configured.
func SGD() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// SGDConfig configures an SGD optimizer being built. Create it with SGD.
type SGDConfig struct {
	learningRate float64
}

// LearningRate sets the learning rate. Defaults to SGDDefaultLearningRate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Done builds the Optimizer.
func (c *SGDConfig) Done() Optimizer {
	return &sgd{learningRate: c.learningRate}
}

type sgd struct {
	learningRate float64
}

// Name implements Optimizer.
func (s *sgd) Name() string { return "SGD" }

// ApplyGradients subtracts learningRate * gradient from each parameter, in
// place. Deferred gradients are materialized here -- for the deferred
// execution mode this is the point where the barrier is actually waited on.
func (s *sgd) ApplyGradients(params []*Parameter, grads []tensors.Value) error {
	if len(params) != len(grads) {
		return errors.Errorf("SGD got %d parameters but %d gradients", len(params), len(grads))
	}
	for i, grad := range grads {
		if grad == nil {
			continue
		}
		param := params[i]
		materialized, err := collectives.Materialize(grad)
		if err != nil {
			return errors.WithMessagef(err, "materializing gradient for parameter %q", param.Name)
		}
		switch g := materialized.(type) {
		case *tensors.Tensor:
			if err := s.applyDense(param, g); err != nil {
				return err
			}
		case *tensors.IndexedSlices:
			if err := s.applySparse(param, g); err != nil {
				return err
			}
		default:
			return errors.Errorf("SGD cannot apply gradient of type %T to parameter %q", materialized, param.Name)
		}
	}
	return nil
}

func (s *sgd) applyDense(param *Parameter, grad *tensors.Tensor) error {
	if !param.Value.Shape().Equal(grad.Shape()) {
		return errors.Errorf("parameter %q has shape %s but its gradient has shape %s",
			param.Name, param.Value.Shape(), grad.Shape())
	}
	switch valueFlat := param.Value.Flat().(type) {
	case []float32:
		lr := float32(s.learningRate)
		for i, g := range tensors.FlatData[float32](grad) {
			valueFlat[i] -= lr * g
		}
	case []float64:
		for i, g := range tensors.FlatData[float64](grad) {
			valueFlat[i] -= s.learningRate * g
		}
	default:
		return errors.Errorf("SGD supports float32 and float64 parameters, %q is %s", param.Name, param.Value.DType())
	}
	return nil
}

// applySparse updates only the rows listed by the sparse gradient.
func (s *sgd) applySparse(param *Parameter, grad *tensors.IndexedSlices) error {
	if err := grad.Check(); err != nil {
		return errors.WithMessagef(err, "sparse gradient for parameter %q", param.Name)
	}
	if !param.Value.Shape().Equal(grad.DenseShape) {
		return errors.Errorf("parameter %q has shape %s but its sparse gradient has dense shape %s",
			param.Name, param.Value.Shape(), grad.DenseShape)
	}
	rowSize := 1
	for _, dim := range grad.DenseShape.Dimensions[1:] {
		rowSize *= dim
	}
	switch valueFlat := param.Value.Flat().(type) {
	case []float32:
		lr := float32(s.learningRate)
		rows := tensors.FlatData[float32](grad.Values)
		for row, idx := range grad.Indices {
			target := valueFlat[int(idx)*rowSize : (int(idx)+1)*rowSize]
			for j, g := range rows[row*rowSize : (row+1)*rowSize] {
				target[j] -= lr * g
			}
		}
	case []float64:
		rows := tensors.FlatData[float64](grad.Values)
		for row, idx := range grad.Indices {
			target := valueFlat[int(idx)*rowSize : (int(idx)+1)*rowSize]
			for j, g := range rows[row*rowSize : (row+1)*rowSize] {
				target[j] -= s.learningRate * g
			}
		}
	default:
		return errors.Errorf("SGD supports float32 and float64 parameters, %q is %s", param.Name, param.Value.DType())
	}
	return nil
}
