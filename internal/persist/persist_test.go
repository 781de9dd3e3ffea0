package persist

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/savepoint/internal/dataset"
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/serialization"
	"github.com/born-ml/savepoint/internal/tensor"
	"github.com/born-ml/savepoint/internal/train"
)

var testArch = nn.Architecture{
	Name:     "classifier",
	InputDim: 4,
	Layers: []nn.LayerConfig{
		nn.DenseLayer(16, "relu"),
		nn.DropoutLayer(0.2),
		nn.DenseLayer(3, ""),
	},
}

func trainedModel(t *testing.T) (*train.Trainer, *dataset.Dataset) {
	t.Helper()
	model, err := nn.Build(testArch, 7)
	require.NoError(t, err)
	tr := train.New(model, optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 0.01}))
	ds := dataset.Blobs(120, 4, 3, 3)
	_, err = tr.Fit(context.Background(), ds, train.FitConfig{Epochs: 3, BatchSize: 16})
	require.NoError(t, err)
	return tr, ds
}

func TestSaveLoadBothFormats(t *testing.T) {
	for _, name := range []string{"model.born", "saved_model"} {
		t.Run(name, func(t *testing.T) {
			tr, ds := trainedModel(t)
			want := tr.Evaluate(ds, 32)
			path := filepath.Join(t.TempDir(), name)

			meta := Meta{Epoch: 3, Step: tr.Step(), Loss: tr.LossName(), Logs: map[string]float64{"loss": want.Loss}}
			require.NoError(t, SaveModel(path, tr.Model(), tr.Optimizer(), meta, SaveOptions{Atomic: true}))

			loaded, err := LoadModel(path)
			require.NoError(t, err)
			assert.Empty(t, loaded.Warnings)
			assert.Equal(t, FormatFor(path), loaded.Format)
			assert.Equal(t, meta, loaded.Meta)
			assert.Equal(t, tr.Model().Architecture(), loaded.Model.Architecture())

			got := train.Evaluate(loaded.Model, ds, 32)
			assert.Equal(t, want, got)

			require.NotNil(t, loaded.Optimizer)
			assert.Equal(t, tr.Optimizer().Config(), loaded.Optimizer.Config())
			assert.Equal(t, tr.Optimizer().Iterations(), loaded.Optimizer.Iterations())

			require.NoError(t, Verify(path))
		})
	}
}

func TestResumeMatchesUninterruptedTraining(t *testing.T) {
	arch := nn.Architecture{InputDim: 4, Layers: []nn.LayerConfig{nn.DenseLayer(8, "relu"), nn.DenseLayer(3, "")}}
	ds := dataset.Blobs(64, 4, 3, 11)
	model, err := nn.Build(arch, 1)
	require.NoError(t, err)
	tr := train.New(model, optim.NewSGD(model.Parameters(), optim.SGDConfig{LR: 0.05, Momentum: 0.9}))
	_, err = tr.Fit(context.Background(), ds, train.FitConfig{Epochs: 2, BatchSize: 16})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "mid.born")
	require.NoError(t, SaveModel(path, tr.Model(), tr.Optimizer(), Meta{Epoch: 2, Step: tr.Step()}, SaveOptions{}))
	loaded, err := LoadModel(path)
	require.NoError(t, err)
	resumed := train.New(loaded.Model, loaded.Optimizer)
	assert.Equal(t, tr.Step(), resumed.Step())

	cfg := train.FitConfig{Epochs: 4, InitialEpoch: 2, BatchSize: 16}
	_, err = tr.Fit(context.Background(), ds, cfg)
	require.NoError(t, err)
	_, err = resumed.Fit(context.Background(), ds, cfg)
	require.NoError(t, err)

	for name, raw := range tr.Model().StateDict() {
		assert.True(t, raw.Equal(resumed.Model().StateDict()[name]), name)
	}
}

func TestDirectoryLayout(t *testing.T) {
	tr, _ := trainedModel(t)
	path := filepath.Join(t.TempDir(), "export")
	require.NoError(t, SaveModel(path, tr.Model(), tr.Optimizer(), Meta{}, SaveOptions{MaxShardBytes: 256}))

	assert.FileExists(t, filepath.Join(path, SavedModelFile))
	assert.DirExists(t, filepath.Join(path, AssetsDir))
	assert.FileExists(t, filepath.Join(path, VariablesDir, "variables.index"))
	shards, err := filepath.Glob(filepath.Join(path, VariablesDir, "variables.data-*"))
	require.NoError(t, err)
	assert.Greater(t, len(shards), 1)

	desc, err := DescribeGraph(path)
	require.NoError(t, err)
	assert.Contains(t, desc, `"classifier"`)
	assert.Contains(t, desc, `"adam"`)

	created, err := CreatedAt(path)
	require.NoError(t, err)
	assert.NotZero(t, created.GetSeconds())
}

func TestOverwriteDirectoryAtomically(t *testing.T) {
	tr, _ := trainedModel(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "export")
	require.NoError(t, SaveModel(path, tr.Model(), nil, Meta{Epoch: 1}, SaveOptions{Atomic: true}))
	require.NoError(t, SaveModel(path, tr.Model(), nil, Meta{Epoch: 2}, SaveOptions{Atomic: true}))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Meta.Epoch)
	assert.Nil(t, loaded.Optimizer)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging directories must not be left behind")
}

func TestLoadWarnsOnUnresolvedOptimizerState(t *testing.T) {
	tr, _ := trainedModel(t)
	path := filepath.Join(t.TempDir(), "model.born")

	// Adam state saved under an SGD config: moments have no slot to go to.
	tensors := tr.Model().StateDict()
	for key, raw := range tr.Optimizer().StateDict() {
		tensors["optimizer."+key] = raw
	}
	tensors["optimizer.m.ghost.weight"] = tensor.Zeros(tensor.Shape{1})
	doc := &document{
		Architecture: tr.Model().Architecture(),
		Optimizer:    &optim.Config{Type: optim.TypeSGD, LR: 0.1},
	}
	require.NoError(t, saveLegacy(path, doc, tensors, SaveOptions{}))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Optimizer)
	assert.Equal(t, tr.Optimizer().Iterations(), loaded.Optimizer.Iterations())
	assert.Len(t, loaded.Warnings, 2*len(tr.Model().Parameters())+1)
	sort.Strings(loaded.Warnings)
	assert.True(t, strings.Contains(strings.Join(loaded.Warnings, "\n"), "m.ghost.weight"))
}

func TestLoadWarnsOnUnknownOptimizer(t *testing.T) {
	tr, _ := trainedModel(t)
	path := filepath.Join(t.TempDir(), "model")
	doc := &document{
		Architecture: tr.Model().Architecture(),
		Optimizer:    &optim.Config{Type: "lamb"},
	}
	require.NoError(t, saveDirectory(path, doc, tr.Model().StateDict(), SaveOptions{}))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	assert.Nil(t, loaded.Optimizer)
	require.Len(t, loaded.Warnings, 1)
	assert.Contains(t, loaded.Warnings[0], "lamb")
}

func TestLoadRejectsWeightMismatch(t *testing.T) {
	tr, _ := trainedModel(t)
	path := filepath.Join(t.TempDir(), "model.born")
	doc := &document{Architecture: tr.Model().Architecture()}
	weights := tr.Model().StateDict()
	delete(weights, "dense_1.bias")
	require.NoError(t, saveLegacy(path, doc, weights, SaveOptions{}))

	_, err := LoadModel(path)
	require.ErrorIs(t, err, nn.ErrStructureMismatch)
}

func TestReadWeightsSkipsOptimizerState(t *testing.T) {
	tr, _ := trainedModel(t)
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, SaveModel(path, tr.Model(), tr.Optimizer(), Meta{}, SaveOptions{}))

	weights, err := ReadWeights(path)
	require.NoError(t, err)
	assert.Len(t, weights, len(tr.Model().Parameters()))

	fresh, err := nn.Build(testArch, 99)
	require.NoError(t, err)
	require.NoError(t, fresh.LoadStateDict(weights))
}

func TestNamedLayersRoundTrip(t *testing.T) {
	arch := nn.Architecture{
		Name:     "named",
		InputDim: 4,
		Layers: []nn.LayerConfig{
			{Type: nn.TypeDense, Name: "optimizer_head", Units: 8, Activation: "relu"},
			{Type: nn.TypeDense, Name: "logits", Units: 3},
		},
	}
	model, err := nn.Build(arch, 1)
	require.NoError(t, err)
	opt := optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 0.01})
	_, err = train.New(model, opt).Fit(context.Background(), dataset.Blobs(32, 4, 3, 1), train.FitConfig{Epochs: 1, BatchSize: 16})
	require.NoError(t, err)

	for _, name := range []string{"named.born", "named"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, SaveModel(path, model, opt, Meta{Epoch: 1}, SaveOptions{Atomic: true}))
		loaded, err := LoadModel(path)
		require.NoError(t, err, name)
		assert.Empty(t, loaded.Warnings)
		assert.Equal(t, opt.Iterations(), loaded.Optimizer.Iterations())
	}

	arch.Layers[0].Name = nn.ReservedName
	_, err = nn.Build(arch, 1)
	require.Error(t, err)
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	_, err := Detect(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, ErrUnknownFormat)
	_, err = Detect(dir)
	require.ErrorIs(t, err, ErrUnknownFormat)

	assert.Equal(t, FormatLegacy, FormatFor("a/b/model.BORN"))
	assert.Equal(t, FormatDirectory, FormatFor("a/b/model"))
	assert.Equal(t, FormatDirectory, FormatFor("a/b/model.ckpt"))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	tr, _ := trainedModel(t)
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, SaveModel(path, tr.Model(), tr.Optimizer(), Meta{}, SaveOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	err = Verify(path)
	require.ErrorIs(t, err, serialization.ErrChecksumMismatch)
	_, err = LoadModel(path)
	require.ErrorIs(t, err, serialization.ErrChecksumMismatch)
}
