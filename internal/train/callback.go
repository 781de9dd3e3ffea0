package train

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
)

// Logs holds named metrics such as "loss", "accuracy", "val_loss".
type Logs map[string]float64

// Clone returns a copy of l.
func (l Logs) Clone() Logs {
	c := make(Logs, len(l))
	for k, v := range l {
		c[k] = v
	}
	return c
}

// String formats the logs as "k: v - k: v" in key order.
func (l Logs) String() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %.4f", k, l[k])
	}
	return strings.Join(parts, " - ")
}

// State is what the training loop exposes to callbacks.
type State struct {
	Model     *nn.Sequential
	Optimizer optim.Optimizer
	Loss      string // Loss function name

	Epochs int   // Final epoch of this Fit call
	Epoch  int   // Current epoch, 1-based
	Batch  int   // Current batch within the epoch, 1-based
	Step   int64 // Completed batches across all epochs

	// Logs holds batch metrics in OnBatchEnd and epoch metrics in OnEpochEnd.
	Logs Logs

	// StopTraining ends Fit after the current batch when set by a callback.
	StopTraining bool
}

// Callback observes the training loop. Hooks run on the training goroutine,
// between optimizer steps, so they may read or serialize the model safely.
type Callback interface {
	OnTrainBegin(s *State)
	OnEpochBegin(s *State)
	OnBatchEnd(s *State)
	OnEpochEnd(s *State)
	OnTrainEnd(s *State)
}

// BaseCallback implements Callback with no-ops, for embedding.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(*State) {}
func (BaseCallback) OnEpochBegin(*State) {}
func (BaseCallback) OnBatchEnd(*State)   {}
func (BaseCallback) OnEpochEnd(*State)   {}
func (BaseCallback) OnTrainEnd(*State)   {}

// LogCallback reports epoch metrics through klog, and batch metrics at -v=2.
type LogCallback struct {
	BaseCallback
}

// OnEpochEnd implements Callback.
func (LogCallback) OnEpochEnd(s *State) {
	klog.Infof("Epoch %d/%d - step %d - %s", s.Epoch, s.Epochs, s.Step, s.Logs)
}

// OnBatchEnd implements Callback.
func (LogCallback) OnBatchEnd(s *State) {
	if klog.V(2).Enabled() {
		klog.Infof("epoch=%d batch=%d step=%d %s", s.Epoch, s.Batch, s.Step, s.Logs)
	}
}

// ProgressCallback draws a per-epoch progress bar.
type ProgressCallback struct {
	BaseCallback
	w          io.Writer
	numBatches int
	bar        *progressbar.ProgressBar
}

// NewProgressCallback creates a progress bar writer for epochs of
// numBatches batches.
func NewProgressCallback(w io.Writer, numBatches int) *ProgressCallback {
	return &ProgressCallback{w: w, numBatches: numBatches}
}

// OnEpochBegin implements Callback.
func (p *ProgressCallback) OnEpochBegin(s *State) {
	p.bar = progressbar.NewOptions(p.numBatches,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", s.Epoch, s.Epochs)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
}

// OnBatchEnd implements Callback.
func (p *ProgressCallback) OnBatchEnd(s *State) {
	if p.bar == nil {
		return
	}
	p.bar.Describe(fmt.Sprintf("Epoch %d/%d loss=%.4f", s.Epoch, s.Epochs, s.Logs["loss"]))
	_ = p.bar.Add(1)
}

// OnEpochEnd implements Callback.
func (p *ProgressCallback) OnEpochEnd(*State) {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}

// HistoryCallback records epoch logs; Fit installs one automatically.
type HistoryCallback struct {
	BaseCallback
	history *History
}

// OnEpochEnd implements Callback.
func (h *HistoryCallback) OnEpochEnd(s *State) {
	h.history.Epochs = append(h.history.Epochs, s.Epoch)
	h.history.Logs = append(h.history.Logs, s.Logs.Clone())
}
