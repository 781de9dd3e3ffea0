package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/born-ml/savepoint/internal/catalog"
	"github.com/born-ml/savepoint/internal/checkpoint"
	"github.com/born-ml/savepoint/internal/config"
	"github.com/born-ml/savepoint/internal/dataset"
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/persist"
	"github.com/born-ml/savepoint/internal/serialization"
	"github.com/born-ml/savepoint/internal/train"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML run configuration. Built-in defaults are used when empty.")
	epochs := fs.Int("epochs", 0, "If > 0, overrides train.epochs.")
	batchSize := fs.Int("batch_size", 0, "If > 0, overrides train.batch_size.")
	lr := fs.Float64("lr", 0, "If > 0, overrides optimizer.learning_rate.")
	dir := fs.String("dir", "", "Overrides checkpoint.dir.")
	catalogPath := fs.String("catalog", "", "Overrides catalog.path (sqlite file recording every checkpoint).")
	resume := fs.Bool("resume", false, "Restore the latest checkpoint in the directory before training.")
	must.M(fs.Parse(args))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(config.Overrides{
		Epochs:        *epochs,
		BatchSize:     *batchSize,
		LR:            float32(*lr),
		CheckpointDir: *dir,
		CatalogPath:   *catalogPath,
		Resume:        *resume,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	summary, err := trainRun(ctx, cfg, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
	if err != nil {
		return err
	}
	summary.print(os.Stdout)
	return nil
}

// runSummary is what a training run reports back.
type runSummary struct {
	History     *train.History
	Test        *train.Result
	Saved       int
	Failures    int
	ResumedFrom int
	Step        int64
	Latest      *checkpoint.Record
	FinalModel  string
}

// trainRun executes cfg. Progress bars go to out when progress is set.
func trainRun(ctx context.Context, cfg *config.Config, out io.Writer, progress bool) (*runSummary, error) {
	trainSet, testSet, err := cfg.Data.LoadData()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load data")
	}
	klog.Infof("Data: %d training samples, %d features, %d classes", trainSet.Len(), trainSet.Dim(), trainSet.NumClasses())

	var ledger checkpoint.Ledger
	if cfg.Catalog.Path != "" {
		store, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = store.Close() }()
		klog.V(1).Infof("Cataloguing checkpoints in %s (run %s)", cfg.Catalog.Path, store.RunID())
		ledger = store
	}

	opts, err := cfg.CheckpointOptions(ledger)
	if err != nil {
		return nil, err
	}
	mgr, err := checkpoint.NewManager(opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			klog.Warningf("Failed to release %s: %v", mgr.Dir(), err)
		}
	}()

	model, opt, start, err := buildOrResume(cfg, mgr, trainSet.Dim())
	if err != nil {
		return nil, err
	}
	initialEpoch := start.Epoch
	klog.V(1).Infof("Model:\n%s", model.Summary())

	summary := &runSummary{ResumedFrom: initialEpoch, History: &train.History{}}
	trainer := train.New(model, opt)
	if start.Step > trainer.Step() {
		trainer.SetStep(start.Step)
	}
	cb := checkpoint.NewCallback(mgr)
	callbacks := []train.Callback{cb, train.LogCallback{}}
	if progress {
		callbacks = append(callbacks, train.NewProgressCallback(out, trainSet.NumBatches(cfg.Train.BatchSize)))
	}
	fitCfg := train.FitConfig{
		Epochs:       cfg.Train.Epochs,
		InitialEpoch: initialEpoch,
		BatchSize:    cfg.Train.BatchSize,
		Shuffle:      cfg.Train.Shuffle,
		Seed:         cfg.Train.Seed + int64(initialEpoch),
		Callbacks:    callbacks,
	}
	if cfg.Train.Validate {
		fitCfg.Validation = testSet
	}

	if initialEpoch >= cfg.Train.Epochs {
		klog.Infof("Checkpoint is already at epoch %d of %d, nothing to train", initialEpoch, cfg.Train.Epochs)
	} else {
		summary.History, err = trainer.Fit(ctx, trainSet, fitCfg)
		if err != nil {
			return nil, err
		}
	}
	summary.Saved, summary.Failures = len(cb.Saved()), cb.Failures()
	summary.Step = trainer.Step()

	if testSet != nil {
		res := trainer.Evaluate(testSet, cfg.Train.BatchSize)
		summary.Test = &res
	}
	if rec, err := mgr.Latest(); err == nil {
		summary.Latest = &rec
	}

	if cfg.Train.FinalModel != "" {
		lastEpoch := initialEpoch
		if n := len(summary.History.Epochs); n > 0 {
			lastEpoch = summary.History.Epochs[n-1]
		}
		meta := persist.Meta{Epoch: lastEpoch, Step: trainer.Step(), Loss: trainer.LossName(), Logs: serialization.Metrics(summary.History.Last())}
		saveOpts := persist.SaveOptions{Atomic: true, MaxShardBytes: cfg.Checkpoint.MaxShardBytes}
		if err := persist.SaveModel(cfg.Train.FinalModel, model, opt, meta, saveOpts); err != nil {
			return nil, err
		}
		summary.FinalModel = cfg.Train.FinalModel
	}
	return summary, nil
}

// buildOrResume creates the model and optimizer, restoring the latest
// checkpoint of mgr when the config asks for it. It returns the record
// resumed from, or a zero Record when training starts fresh.
func buildOrResume(cfg *config.Config, mgr *checkpoint.Manager, inputDim int) (*nn.Sequential, optim.Optimizer, checkpoint.Record, error) {
	model, err := nn.Build(cfg.Architecture(inputDim), cfg.Train.Seed)
	if err != nil {
		return nil, nil, checkpoint.Record{}, err
	}
	opt, err := optim.New(cfg.Optimizer, model.Parameters())
	if err != nil {
		return nil, nil, checkpoint.Record{}, err
	}
	if !cfg.Checkpoint.Resume {
		return model, opt, checkpoint.Record{}, nil
	}

	rec, err := mgr.Latest()
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		klog.Infof("No checkpoint in %s, starting from scratch", mgr.Dir())
		return model, opt, checkpoint.Record{}, nil
	}
	if err != nil {
		return nil, nil, checkpoint.Record{}, err
	}

	if rec.Kind == checkpoint.KindFull {
		loaded, err := persist.LoadModel(rec.Path)
		if err != nil {
			return nil, nil, checkpoint.Record{}, err
		}
		if loaded.Optimizer == nil {
			if loaded.Optimizer, err = optim.New(cfg.Optimizer, loaded.Model.Parameters()); err != nil {
				return nil, nil, checkpoint.Record{}, err
			}
		}
		klog.Infof("Resumed model and optimizer from %s (epoch %d, step %d)", rec.Path, rec.Epoch, rec.Step)
		return loaded.Model, loaded.Optimizer, rec, nil
	}

	if err := checkpoint.Restore(rec.Path, model); err != nil {
		return nil, nil, checkpoint.Record{}, err
	}
	klog.Warningf("Resumed weights from %s (epoch %d, step %d); optimizer state starts fresh", rec.Path, rec.Epoch, rec.Step)
	return model, opt, rec, nil
}

func (s *runSummary) print(w io.Writer) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Training finished"))
	if s.ResumedFrom > 0 {
		_, _ = fmt.Fprintf(w, "  resumed from epoch %d\n", s.ResumedFrom)
	}
	if last := s.History.Last(); last != nil {
		_, _ = fmt.Fprintf(w, "  epoch %d: %s\n", s.History.Epochs[len(s.History.Epochs)-1], last)
	}
	if s.Test != nil {
		_, _ = fmt.Fprintf(w, "  test: loss %.4f - accuracy %.4f (%d samples)\n", s.Test.Loss, s.Test.Accuracy, s.Test.Samples)
	}
	_, _ = fmt.Fprintf(w, "  checkpoints: %d written, %d failed\n", s.Saved, s.Failures)
	if s.Latest != nil {
		_, _ = fmt.Fprintf(w, "  latest: %s\n", s.Latest.Path)
	}
	if s.FinalModel != "" {
		_, _ = fmt.Fprintf(w, "  model: %s\n", s.FinalModel)
	}
}

func runEvaluate(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	modelPath := fs.String("model", "", "Full-model save: a .born file or a saved model directory.")
	configPath := fs.String("config", "", "YAML config describing the data. Built-in defaults are used when empty.")
	must.M(fs.Parse(args))
	if *modelPath == "" {
		return errors.New("-model is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	loaded, err := persist.LoadModel(*modelPath)
	if err != nil {
		return err
	}
	for _, w := range loaded.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	trainSet, testSet, err := cfg.Data.LoadData()
	if err != nil {
		return err
	}
	ds, split := testSet, "test"
	if ds == nil {
		ds, split = trainSet, "train"
	}
	res, err := evaluate(loaded, ds, cfg.Train.BatchSize)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s (%s format, epoch %d, step %d)",
		*modelPath, loaded.Format, loaded.Meta.Epoch, loaded.Meta.Step)))
	fmt.Printf("  %s: loss %.4f - accuracy %.4f (%d samples)\n", split, res.Loss, res.Accuracy, res.Samples)
	return nil
}

func evaluate(loaded *persist.Loaded, ds *dataset.Dataset, batchSize int) (train.Result, error) {
	if loaded.Model.InputDim() != ds.Dim() {
		return train.Result{}, errors.Errorf("model expects %d features but the data has %d", loaded.Model.InputDim(), ds.Dim())
	}
	return train.Evaluate(loaded.Model, ds, batchSize), nil
}
