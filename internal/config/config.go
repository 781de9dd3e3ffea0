// Package config loads the YAML description of a training run: data, model,
// optimizer, checkpointing and the optional catalog.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/savepoint/internal/checkpoint"
	"github.com/born-ml/savepoint/internal/dataset"
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
)

// Data sources.
const (
	SourceBlobs = "blobs" // Synthetic Gaussian clusters
	SourceIDX   = "idx"   // MNIST-style IDX files
)

// Config captures everything a training run needs.
type Config struct {
	Data       Data            `yaml:"data"`
	Model      nn.Architecture `yaml:"model"`
	Train      Train           `yaml:"train"`
	Optimizer  optim.Config    `yaml:"optimizer"`
	Checkpoint Checkpoint      `yaml:"checkpoint"`
	Catalog    Catalog         `yaml:"catalog"`
}

// Data selects and sizes the dataset.
type Data struct {
	Source       string `yaml:"source"`
	Dir          string `yaml:"dir,omitempty"` // IDX directory
	TrainSamples int    `yaml:"train_samples"` // 0 = all (IDX only)
	TestSamples  int    `yaml:"test_samples"`
	Features     int    `yaml:"features,omitempty"` // Blobs only
	Classes      int    `yaml:"classes,omitempty"`  // Blobs only
	Seed         int64  `yaml:"seed,omitempty"`
}

// Train holds Fit settings.
type Train struct {
	Epochs    int   `yaml:"epochs"`
	BatchSize int   `yaml:"batch_size"`
	Shuffle   bool  `yaml:"shuffle"`
	Seed      int64 `yaml:"seed"`
	Validate  bool  `yaml:"validate"` // Evaluate on the test split after each epoch

	// FinalModel, when set, receives a full-model save after training.
	// A ".born" suffix selects the single-file format.
	FinalModel string `yaml:"final_model,omitempty"`
}

// Checkpoint mirrors checkpoint.Options.
type Checkpoint struct {
	Dir             string   `yaml:"dir"`
	Template        string   `yaml:"template"`
	SaveWeightsOnly bool     `yaml:"save_weights_only"`
	SaveFreq        SaveFreq `yaml:"save_freq"`
	MaxToKeep       int      `yaml:"max_to_keep"`
	Monitor         string   `yaml:"monitor,omitempty"`
	Mode            string   `yaml:"mode,omitempty"`
	SaveBestOnly    bool     `yaml:"save_best_only"`
	Atomic          *bool    `yaml:"atomic,omitempty"` // Default true
	MaxShardBytes   int64    `yaml:"max_shard_bytes,omitempty"`
	Resume          bool     `yaml:"resume"` // Restore the latest checkpoint before training
}

// Catalog configures the optional sqlite checkpoint catalog.
type Catalog struct {
	Path string `yaml:"path,omitempty"` // Empty disables the catalog
}

// SaveFreq is "epoch" or a positive number of batches.
type SaveFreq struct {
	Steps int
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *SaveFreq) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: save_freq must be a scalar", value.Line)
	}
	if strings.EqualFold(value.Value, "epoch") || value.Value == "" {
		f.Steps = 0
		return nil
	}
	n, err := strconv.Atoi(value.Value)
	if err != nil || n <= 0 {
		return errors.Errorf("line %d: save_freq must be \"epoch\" or a positive integer, got %q", value.Line, value.Value)
	}
	f.Steps = n
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (f SaveFreq) MarshalYAML() (any, error) {
	if f.Steps == 0 {
		return "epoch", nil
	}
	return f.Steps, nil
}

// Frequency converts f for checkpoint.Options.
func (f SaveFreq) Frequency() checkpoint.Frequency {
	if f.Steps == 0 {
		return checkpoint.EveryEpoch()
	}
	return checkpoint.EverySteps(f.Steps)
}

// Defaults returns a small runnable configuration: blobs data, a two-layer
// classifier, Adam, and per-epoch weight checkpoints.
func Defaults() *Config {
	return &Config{
		Data: Data{Source: SourceBlobs, TrainSamples: 1000, TestSamples: 200, Features: 8, Classes: 4, Seed: 42},
		Model: nn.Architecture{
			Name: "classifier",
			Layers: []nn.LayerConfig{
				nn.DenseLayer(64, "relu"),
				nn.DropoutLayer(0.2),
				nn.DenseLayer(4, ""),
			},
		},
		Train:     Train{Epochs: 10, BatchSize: 32, Shuffle: true, Seed: 1, Validate: true},
		Optimizer: optim.Config{Type: optim.TypeAdam, LR: 0.001},
		Checkpoint: Checkpoint{
			Dir:             "training_1",
			Template:        "cp-{epoch:04d}.ckpt",
			SaveWeightsOnly: true,
		},
	}
}

// Load reads path on top of Defaults and validates the result. Relative
// paths in the file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg := Defaults()
	// Layers replace rather than merge with the defaults.
	cfg.Model.Layers = nil
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if len(cfg.Model.Layers) == 0 {
		cfg.Model.Layers = Defaults().Model.Layers
	}
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Data.Dir, &c.Checkpoint.Dir, &c.Catalog.Path, &c.Train.FinalModel} {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Overrides captures CLI supplied values; zero values leave the config alone.
type Overrides struct {
	Epochs        int
	BatchSize     int
	LR            float32
	CheckpointDir string
	CatalogPath   string
	Resume        bool
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.LR > 0 {
		c.Optimizer.LR = o.LR
	}
	if o.CheckpointDir != "" {
		c.Checkpoint.Dir = o.CheckpointDir
	}
	if o.CatalogPath != "" {
		c.Catalog.Path = o.CatalogPath
	}
	if o.Resume {
		c.Checkpoint.Resume = true
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Data.Source {
	case SourceBlobs:
		if c.Data.TrainSamples <= 0 || c.Data.Features <= 0 || c.Data.Classes < 2 {
			return errors.New("blobs data needs train_samples > 0, features > 0 and classes >= 2")
		}
	case SourceIDX:
		if c.Data.Dir == "" {
			return errors.New("idx data needs dir")
		}
	default:
		return errors.Errorf("unknown data source %q", c.Data.Source)
	}
	if c.Data.TrainSamples < 0 || c.Data.TestSamples < 0 {
		return errors.New("sample counts must be >= 0")
	}
	if len(c.Model.Layers) == 0 {
		return errors.New("model needs at least one layer")
	}
	if c.Train.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.Train.BatchSize)
	}
	switch strings.ToLower(c.Optimizer.Type) {
	case optim.TypeSGD, optim.TypeAdam, "":
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer.Type)
	}
	if c.Optimizer.LR < 0 {
		return errors.Errorf("learning_rate must be >= 0 (got %g)", c.Optimizer.LR)
	}
	if c.Checkpoint.Template != "" {
		if _, err := c.CheckpointOptions(nil); err != nil {
			return err
		}
	}
	return nil
}

// CheckpointOptions converts the checkpoint section. ledger may be nil.
// The options are checked the same way checkpoint.NewManager checks them.
func (c *Config) CheckpointOptions(ledger checkpoint.Ledger) (checkpoint.Options, error) {
	cp := c.Checkpoint
	opts := checkpoint.Options{
		Dir:             cp.Dir,
		Template:        cp.Template,
		SaveWeightsOnly: cp.SaveWeightsOnly,
		Frequency:       cp.SaveFreq.Frequency(),
		MaxToKeep:       cp.MaxToKeep,
		Monitor:         cp.Monitor,
		Mode:            checkpoint.Mode(strings.ToLower(cp.Mode)),
		SaveBestOnly:    cp.SaveBestOnly,
		DisableAtomic:   cp.Atomic != nil && !*cp.Atomic,
		MaxShardBytes:   cp.MaxShardBytes,
		Ledger:          ledger,
	}
	if _, err := checkpoint.ParseTemplate(opts.Template); err != nil {
		return opts, err
	}
	if opts.MaxToKeep < 0 {
		return opts, errors.Errorf("max_to_keep must be >= 0 (got %d)", opts.MaxToKeep)
	}
	if opts.SaveBestOnly && opts.Monitor == "" {
		return opts, errors.New("save_best_only requires monitor")
	}
	switch opts.Mode {
	case "", checkpoint.ModeAuto, checkpoint.ModeMin, checkpoint.ModeMax:
	default:
		return opts, errors.Errorf("unknown monitor mode %q", cp.Mode)
	}
	return opts, nil
}

// Architecture returns the model description with InputDim taken from the
// data when the config leaves it at zero.
func (c *Config) Architecture(inputDim int) nn.Architecture {
	arch := c.Model
	arch.Layers = append([]nn.LayerConfig(nil), c.Model.Layers...)
	if arch.InputDim == 0 {
		arch.InputDim = inputDim
	}
	return arch
}

// LoadData returns the training and test datasets.
func (d Data) LoadData() (trainSet, testSet *dataset.Dataset, err error) {
	switch d.Source {
	case SourceIDX:
		trainSet, err = dataset.LoadIDX(d.Dir, dataset.Train, d.TrainSamples)
		if err != nil {
			return nil, nil, err
		}
		testSet, err = dataset.LoadIDX(d.Dir, dataset.Test, d.TestSamples)
		if err != nil {
			return nil, nil, err
		}
		return trainSet, testSet, nil
	case SourceBlobs:
		all := dataset.Blobs(d.TrainSamples+d.TestSamples, d.Features, d.Classes, d.Seed)
		if d.TestSamples == 0 {
			return all, nil, nil
		}
		trainSet, testSet = all.Split((float64(d.TrainSamples) + 0.5) / float64(all.Len()))
		return trainSet, testSet, nil
	default:
		return nil, nil, fmt.Errorf("unknown data source %q", d.Source)
	}
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}
