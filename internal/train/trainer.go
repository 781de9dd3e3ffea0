// Package train implements the training loop that drives a model, its
// optimizer and a set of callbacks.
//
// Callbacks are plain observers: the loop calls them at fixed points
// (train begin/end, epoch begin/end, after every batch) and they never
// influence the numerics, only whether training stops early.
package train

import (
	"context"
	"fmt"
	"math/rand"

	"k8s.io/klog/v2"

	"github.com/born-ml/savepoint/internal/dataset"
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/tensor"
)

// FitConfig configures Trainer.Fit.
type FitConfig struct {
	// Epochs is the index of the final epoch. Training runs epochs
	// InitialEpoch+1 through Epochs.
	Epochs int

	// InitialEpoch is the number of epochs already completed, for resuming.
	InitialEpoch int

	BatchSize  int   // Samples per batch (default 32)
	Shuffle    bool  // Shuffle samples every epoch
	Seed       int64 // Shuffle seed
	Validation *dataset.Dataset

	Callbacks []Callback
}

// History is the per-epoch record returned by Fit.
type History struct {
	Epochs []int
	Logs   []Logs
}

// Last returns the logs of the final epoch, or nil.
func (h *History) Last() Logs {
	if len(h.Logs) == 0 {
		return nil
	}
	return h.Logs[len(h.Logs)-1]
}

// Result is the outcome of an evaluation pass.
type Result struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

// Trainer owns the training loop for a model and optimizer pair.
type Trainer struct {
	model *nn.Sequential
	opt   optim.Optimizer
	loss  nn.SoftmaxCrossEntropy
	step  int64
}

// New creates a trainer.
func New(model *nn.Sequential, opt optim.Optimizer) *Trainer {
	return &Trainer{model: model, opt: opt, step: opt.Iterations()}
}

// Model returns the trained model.
func (t *Trainer) Model() *nn.Sequential { return t.model }

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() optim.Optimizer { return t.opt }

// Step returns the number of completed batches.
func (t *Trainer) Step() int64 { return t.step }

// SetStep sets the number of completed batches. Resuming from weights alone
// uses it to continue the step count of the checkpoint instead of the fresh
// optimizer's.
func (t *Trainer) SetStep(step int64) { t.step = step }

// LossName returns the name of the loss function.
func (t *Trainer) LossName() string { return t.loss.Name() }

// Fit trains the model on ds.
//
// Cancelling ctx stops training between batches; Fit then returns the
// history so far and ctx.Err(). OnTrainEnd is called in every case.
func (t *Trainer) Fit(ctx context.Context, ds *dataset.Dataset, cfg FitConfig) (*History, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Epochs <= cfg.InitialEpoch {
		return nil, fmt.Errorf("epochs (%d) must exceed initial epoch (%d)", cfg.Epochs, cfg.InitialEpoch)
	}
	if ds.Dim() != t.model.InputDim() {
		return nil, fmt.Errorf("dataset has %d features, model expects %d", ds.Dim(), t.model.InputDim())
	}

	history := &History{}
	callbacks := append([]Callback{&HistoryCallback{history: history}}, cfg.Callbacks...)
	state := &State{Model: t.model, Optimizer: t.opt, Loss: t.loss.Name(), Epochs: cfg.Epochs, Step: t.step}

	var rng *rand.Rand
	if cfg.Shuffle {
		//nolint:gosec // shuffling does not need a CSPRNG
		rng = rand.New(rand.NewSource(cfg.Seed))
	}

	for _, cb := range callbacks {
		cb.OnTrainBegin(state)
	}
	defer func() {
		for _, cb := range callbacks {
			cb.OnTrainEnd(state)
		}
	}()

	for epoch := cfg.InitialEpoch + 1; epoch <= cfg.Epochs; epoch++ {
		state.Epoch, state.Batch, state.Logs = epoch, 0, nil
		for _, cb := range callbacks {
			cb.OnEpochBegin(state)
		}

		var lossSum float64
		var correct, seen int
		for i, batch := range ds.Batches(cfg.BatchSize, rng) {
			if err := ctx.Err(); err != nil {
				klog.Warningf("Training interrupted at epoch %d, batch %d: %v", epoch, i+1, err)
				return history, err
			}

			loss, hits := t.trainBatch(batch)
			t.step++
			n := len(batch.Y)
			lossSum += loss * float64(n)
			correct += hits
			seen += n

			state.Batch, state.Step = i+1, t.step
			state.Logs = Logs{"loss": loss, "accuracy": float64(hits) / float64(n)}
			for _, cb := range callbacks {
				cb.OnBatchEnd(state)
			}
			if state.StopTraining {
				break
			}
		}

		logs := Logs{}
		if seen > 0 {
			logs["loss"] = lossSum / float64(seen)
			logs["accuracy"] = float64(correct) / float64(seen)
		}
		if cfg.Validation != nil {
			val := Evaluate(t.model, cfg.Validation, cfg.BatchSize)
			logs["val_loss"] = val.Loss
			logs["val_accuracy"] = val.Accuracy
		}
		state.Logs = logs
		for _, cb := range callbacks {
			cb.OnEpochEnd(state)
		}
		if state.StopTraining {
			klog.V(1).Infof("Training stopped by callback after epoch %d", epoch)
			break
		}
	}
	return history, nil
}

// trainBatch runs forward, backward and one optimizer step.
func (t *Trainer) trainBatch(batch dataset.Batch) (float64, int) {
	t.opt.ZeroGrad()
	logits := t.model.Forward(batch.X, true)
	loss, grad := t.loss.Forward(logits, batch.Y)
	t.model.Backward(grad)
	t.opt.Step()
	return loss, nn.CountCorrect(logits, batch.Y)
}

// Evaluate computes mean loss and accuracy of the trainer's model on ds.
func (t *Trainer) Evaluate(ds *dataset.Dataset, batchSize int) Result {
	return Evaluate(t.model, ds, batchSize)
}

// Predict returns the predicted class of every row of x.
func (t *Trainer) Predict(x *tensor.RawTensor) []int {
	return nn.Argmax(t.model.Forward(x, false))
}

// Evaluate computes mean loss and accuracy of model on ds in inference mode.
func Evaluate(model *nn.Sequential, ds *dataset.Dataset, batchSize int) Result {
	var (
		lossFn  nn.SoftmaxCrossEntropy
		lossSum float64
		correct int
	)
	for _, batch := range ds.Batches(batchSize, nil) {
		logits := model.Forward(batch.X, false)
		loss, _ := lossFn.Forward(logits, batch.Y)
		lossSum += loss * float64(len(batch.Y))
		correct += nn.CountCorrect(logits, batch.Y)
	}
	if ds.Len() == 0 {
		return Result{}
	}
	return Result{
		Loss:     lossSum / float64(ds.Len()),
		Accuracy: float64(correct) / float64(ds.Len()),
		Samples:  ds.Len(),
	}
}
