package checkpoint

import (
	"math"
	"strings"

	"k8s.io/klog/v2"

	"github.com/born-ml/savepoint/internal/train"
)

// Callback saves checkpoints from the training loop at the Manager's
// configured frequency.
//
// A failed save never stops training: the error is logged as a warning,
// counted, and training continues with the previous checkpoint still the
// latest one.
type Callback struct {
	train.BaseCallback

	mgr      *Manager
	best     float64
	hasBest  bool
	failures int
	lastErr  error
	saved    []Record
}

// NewCallback returns a training callback writing through mgr.
func NewCallback(mgr *Manager) *Callback {
	return &Callback{mgr: mgr}
}

// OnBatchEnd implements train.Callback.
func (c *Callback) OnBatchEnd(s *train.State) {
	if n := c.mgr.opts.Frequency.Steps(); n > 0 && s.Step%int64(n) == 0 {
		c.save(s)
	}
}

// OnEpochEnd implements train.Callback.
func (c *Callback) OnEpochEnd(s *train.State) {
	if c.mgr.opts.Frequency.Steps() == 0 {
		c.save(s)
	}
}

// Failures returns how many saves failed.
func (c *Callback) Failures() int { return c.failures }

// LastError returns the error of the most recent failed save.
func (c *Callback) LastError() error { return c.lastErr }

// Saved returns the records written so far.
func (c *Callback) Saved() []Record { return c.saved }

func (c *Callback) save(s *train.State) {
	opts := c.mgr.opts
	var current float64
	if opts.SaveBestOnly {
		v, ok := s.Logs[opts.Monitor]
		if !ok {
			klog.Warningf("Checkpoint: metric %q not available (have %s), skipping save", opts.Monitor, s.Logs)
			return
		}
		if c.hasBest && !improved(opts.Mode, opts.Monitor, v, c.best) {
			klog.V(1).Infof("Epoch %d: %s did not improve from %.5f", s.Epoch, opts.Monitor, c.best)
			return
		}
		current = v
	}

	rec, err := c.mgr.Save(s.Model, s.Optimizer, Progress{
		Epoch: s.Epoch,
		Step:  s.Step,
		Logs:  s.Logs.Clone(),
		Loss:  s.Loss,
	})
	if err != nil {
		c.failures++
		c.lastErr = err
		klog.Warningf("Checkpoint at epoch %d, step %d failed; training continues: %v", s.Epoch, s.Step, err)
		return
	}
	if opts.SaveBestOnly {
		if c.hasBest {
			klog.Infof("Epoch %d: %s improved from %.5f to %.5f, saving to %s", s.Epoch, opts.Monitor, c.best, current, rec.Path)
		}
		c.best, c.hasBest = current, true
	}
	klog.Infof("Epoch %d: saved checkpoint to %s", s.Epoch, rec.Path)
	c.saved = append(c.saved, rec)
}

// improved reports whether v beats best under mode.
func improved(mode Mode, monitor string, v, best float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if mode == ModeAuto {
		mode = ModeMin
		if strings.Contains(monitor, "acc") || strings.HasPrefix(monitor, "fmeasure") {
			mode = ModeMax
		}
	}
	if mode == ModeMax {
		return v > best
	}
	return v < best
}
