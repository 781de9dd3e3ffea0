package persist

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/serialization"
	"github.com/born-ml/savepoint/internal/tensor"
)

// Metadata keys of the legacy header.
const (
	metaArchitecture = "architecture"
	metaLoss         = "loss"
)

func saveLegacy(path string, doc *document, tensors map[string]*tensor.RawTensor, opts SaveOptions) error {
	arch, err := json.Marshal(doc.Architecture)
	if err != nil {
		return errors.Wrap(err, "failed to encode architecture")
	}
	training := &serialization.TrainingMeta{
		Epoch: doc.Meta.Epoch,
		Step:  doc.Meta.Step,
		Loss:  doc.Meta.Loss,
		Logs:  doc.Meta.Logs,
	}
	if doc.Optimizer != nil {
		training.OptimizerType = doc.Optimizer.Type
		if training.OptimizerConfig, err = marshalMap(doc.Optimizer); err != nil {
			return errors.Wrap(err, "failed to encode optimizer config")
		}
	}

	header := serialization.Header{
		ModelType: "Sequential",
		Metadata: map[string]string{
			metaArchitecture: string(arch),
			metaLoss:         doc.Meta.Loss,
		},
		Training: training,
	}
	return serialization.WriteBornFile(path, tensors, header, serialization.BornOptions{Atomic: opts.Atomic})
}

func loadLegacy(path string) (*document, map[string]*tensor.RawTensor, error) {
	tensors, header, err := serialization.ReadBornFile(path)
	if err != nil {
		return nil, nil, err
	}
	raw, ok := header.Metadata[metaArchitecture]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownFormat, "%s has no architecture", path)
	}
	doc := &document{}
	if err := json.Unmarshal([]byte(raw), &doc.Architecture); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode architecture")
	}
	doc.Meta.Loss = header.Metadata[metaLoss]

	if t := header.Training; t != nil {
		doc.Meta.Epoch = t.Epoch
		doc.Meta.Step = t.Step
		if len(t.Logs) > 0 {
			doc.Meta.Logs = t.Logs
		}
		if t.OptimizerType != "" {
			cfg := optim.Config{Type: t.OptimizerType}
			if err := unmarshalMap(t.OptimizerConfig, &cfg); err != nil {
				return nil, nil, errors.Wrap(err, "failed to decode optimizer config")
			}
			doc.Optimizer = &cfg
		}
	}
	return doc, tensors, nil
}
