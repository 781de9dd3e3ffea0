// Package persist saves and loads complete models: architecture, weights
// and optimizer state.
//
// Two on-disk formats are supported and chosen by path:
//
//	model.born   single file, .born v2 with checksum
//	model/       directory: saved_model.pb, variables/, assets/
//
// Loading rebuilds the model from its stored architecture, so the caller
// needs no code describing the network. Optimizer state that cannot be
// matched to the rebuilt optimizer is reported as warnings and skipped.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/serialization"
	"github.com/born-ml/savepoint/internal/tensor"
)

// Format identifies a full-model layout.
type Format int

const (
	// FormatDirectory is the saved_model.pb + variables/ layout.
	FormatDirectory Format = iota
	// FormatLegacy is the single .born file layout.
	FormatLegacy
)

// String returns the format name.
func (f Format) String() string {
	if f == FormatLegacy {
		return "legacy"
	}
	return "directory"
}

// LegacyExt selects the single-file format.
const LegacyExt = ".born"

// optimizerPrefix namespaces optimizer tensors next to model weights.
const optimizerPrefix = nn.ReservedName + "."

// ErrUnknownFormat is returned for paths that hold neither format.
var ErrUnknownFormat = errors.New("not a saved model")

// Meta is the training context stored with a model.
type Meta struct {
	Epoch int                   `json:"epoch"`
	Step  int64                 `json:"step"`
	Loss  string                `json:"loss,omitempty"`
	Logs  serialization.Metrics `json:"logs,omitempty"`
}

// SaveOptions configures SaveModel.
type SaveOptions struct {
	Atomic        bool  // Commit through temporary files and rename
	MaxShardBytes int64 // Shard size of the variables bundle (directory format)
}

// Loaded is the result of LoadModel.
type Loaded struct {
	Model     *nn.Sequential
	Optimizer optim.Optimizer // nil when the model was saved without one
	Meta      Meta
	Format    Format

	// Warnings lists optimizer state that could not be restored.
	Warnings []string
}

// FormatFor returns the format SaveModel uses for path.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), LegacyExt) {
		return FormatLegacy
	}
	return FormatDirectory
}

// Detect inspects what is stored at path.
func Detect(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownFormat, "%s: %v", path, err)
	}
	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(path, SavedModelFile)); err != nil {
			return 0, errors.Wrapf(ErrUnknownFormat, "%s: no %s", path, SavedModelFile)
		}
		return FormatDirectory, nil
	}
	return FormatLegacy, nil
}

// SaveModel writes model, opt and meta to path. opt may be nil.
func SaveModel(path string, model *nn.Sequential, opt optim.Optimizer, meta Meta, opts SaveOptions) error {
	tensors := model.StateDict()
	var optCfg *optim.Config
	if opt != nil {
		for key, raw := range opt.StateDict() {
			tensors[optimizerPrefix+key] = raw
		}
		cfg := opt.Config()
		optCfg = &cfg
	}
	doc := &document{
		Architecture: model.Architecture(),
		Optimizer:    optCfg,
		Meta:         meta,
	}

	var err error
	if FormatFor(path) == FormatLegacy {
		err = saveLegacy(path, doc, tensors, opts)
	} else {
		err = saveDirectory(path, doc, tensors, opts)
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to save model to %s", path)
	}
	klog.V(1).Infof("Saved %s model (%d params) to %s", FormatFor(path), model.NumParams(), path)
	return nil
}

// LoadModel restores a model saved by SaveModel.
func LoadModel(path string) (*Loaded, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	var (
		doc     *document
		tensors map[string]*tensor.RawTensor
	)
	if format == FormatLegacy {
		doc, tensors, err = loadLegacy(path)
	} else {
		doc, tensors, err = loadDirectory(path)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %s", path)
	}

	loaded, err := restore(doc, tensors)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to restore model from %s", path)
	}
	loaded.Format = format
	for _, w := range loaded.Warnings {
		klog.Warningf("%s: %s", path, w)
	}
	return loaded, nil
}

// ReadWeights returns only the model weights stored at path.
func ReadWeights(path string) (map[string]*tensor.RawTensor, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	var tensors map[string]*tensor.RawTensor
	if format == FormatLegacy {
		_, tensors, err = loadLegacy(path)
	} else {
		_, tensors, err = loadDirectory(path)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read weights from %s", path)
	}
	weights, _ := splitTensors(tensors)
	return weights, nil
}

// document is the non-tensor part of a saved model.
type document struct {
	Architecture nn.Architecture
	Optimizer    *optim.Config
	Meta         Meta
}

func splitTensors(tensors map[string]*tensor.RawTensor) (weights, optState map[string]*tensor.RawTensor) {
	weights = make(map[string]*tensor.RawTensor)
	optState = make(map[string]*tensor.RawTensor)
	for name, raw := range tensors {
		if key, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			optState[key] = raw
		} else {
			weights[name] = raw
		}
	}
	return weights, optState
}

// restore rebuilds the model and optimizer described by doc.
func restore(doc *document, tensors map[string]*tensor.RawTensor) (*Loaded, error) {
	model, err := nn.Build(doc.Architecture, 0)
	if err != nil {
		return nil, errors.Wrap(err, "invalid architecture")
	}
	weights, optState := splitTensors(tensors)
	if err := model.LoadStateDict(weights); err != nil {
		return nil, err
	}

	loaded := &Loaded{Model: model, Meta: doc.Meta}
	if doc.Optimizer == nil {
		for key := range optState {
			loaded.Warnings = append(loaded.Warnings, "optimizer state "+key+" has no optimizer to restore into")
		}
		return loaded, nil
	}

	opt, err := optim.New(*doc.Optimizer, model.Parameters())
	if err != nil {
		loaded.Warnings = append(loaded.Warnings, "optimizer not restored: "+err.Error())
		return loaded, nil
	}
	unresolved, err := opt.LoadStateDict(optState)
	if err != nil {
		loaded.Warnings = append(loaded.Warnings, "optimizer state discarded: "+err.Error())
		opt, _ = optim.New(*doc.Optimizer, model.Parameters())
	}
	for _, key := range unresolved {
		loaded.Warnings = append(loaded.Warnings, "optimizer state "+key+" does not match any optimizer slot")
	}
	loaded.Optimizer = opt
	return loaded, nil
}

// Verify checks the integrity of a saved model without building it.
func Verify(path string) error {
	_, err := Digest(path)
	return err
}

// Fingerprint is a content digest and total size of a saved model.
type Fingerprint struct {
	SHA256 string
	Bytes  int64
}

// marshalMap converts v into a generic JSON map.
func marshalMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// unmarshalMap is the inverse of marshalMap.
func unmarshalMap(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
