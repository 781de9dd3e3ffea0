package persist

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/serialization"
	"github.com/born-ml/savepoint/internal/tensor"
)

// Directory format layout.
const (
	SavedModelFile  = "saved_model.pb"
	VariablesDir    = "variables"
	VariablesPrefix = "variables"
	AssetsDir       = "assets"

	savedModelVersion = 1
)

// variablesPrefix returns the bundle prefix of a saved model directory.
func variablesPrefix(dir string) string {
	return filepath.Join(dir, VariablesDir, VariablesPrefix)
}

// encodeGraph builds the saved_model.pb message.
func encodeGraph(doc *document) (*structpb.Struct, error) {
	arch, err := marshalMap(doc.Architecture)
	if err != nil {
		return nil, err
	}
	meta, err := marshalMap(doc.Meta)
	if err != nil {
		return nil, err
	}
	created := timestamppb.Now()
	fields := map[string]any{
		"format_version": savedModelVersion,
		"producer":       serialization.Version,
		"architecture":   arch,
		"training":       meta,
		"created_at": map[string]any{
			"seconds": float64(created.GetSeconds()),
			"nanos":   float64(created.GetNanos()),
		},
	}
	if doc.Optimizer != nil {
		cfg, err := marshalMap(doc.Optimizer)
		if err != nil {
			return nil, err
		}
		fields["optimizer"] = cfg
	}
	return structpb.NewStruct(fields)
}

// decodeGraph is the inverse of encodeGraph.
func decodeGraph(graph *structpb.Struct) (*document, error) {
	m := graph.AsMap()
	if v, _ := m["format_version"].(float64); int(v) != savedModelVersion {
		return nil, fmt.Errorf("%w: saved model version %v", serialization.ErrUnsupportedVersion, m["format_version"])
	}
	arch, ok := m["architecture"].(map[string]any)
	if !ok {
		return nil, errors.Wrap(ErrUnknownFormat, "saved model has no architecture")
	}
	doc := &document{}
	if err := unmarshalMap(arch, &doc.Architecture); err != nil {
		return nil, errors.Wrap(err, "failed to decode architecture")
	}
	if training, ok := m["training"].(map[string]any); ok {
		if err := unmarshalMap(training, &doc.Meta); err != nil {
			return nil, errors.Wrap(err, "failed to decode training metadata")
		}
	}
	if cfg, ok := m["optimizer"].(map[string]any); ok {
		doc.Optimizer = &optim.Config{}
		if err := unmarshalMap(cfg, doc.Optimizer); err != nil {
			return nil, errors.Wrap(err, "failed to decode optimizer config")
		}
	}
	return doc, nil
}

// CreatedAt returns the creation time recorded in a saved model directory.
func CreatedAt(dir string) (*timestamppb.Timestamp, error) {
	graph, err := readGraph(dir)
	if err != nil {
		return nil, err
	}
	ts, ok := graph.AsMap()["created_at"].(map[string]any)
	if !ok {
		return nil, errors.Errorf("%s: no creation time", dir)
	}
	seconds, _ := ts["seconds"].(float64)
	nanos, _ := ts["nanos"].(float64)
	created := &timestamppb.Timestamp{Seconds: int64(seconds), Nanos: int32(nanos)}
	if err := created.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "invalid creation time")
	}
	return created, nil
}

// DescribeGraph renders saved_model.pb as indented JSON.
func DescribeGraph(dir string) (string, error) {
	graph, err := readGraph(dir)
	if err != nil {
		return "", err
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(graph)
	if err != nil {
		return "", errors.Wrap(err, "failed to render graph")
	}
	return string(out), nil
}

func readGraph(dir string) (*structpb.Struct, error) {
	data, err := os.ReadFile(filepath.Join(dir, SavedModelFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read graph")
	}
	graph := &structpb.Struct{}
	if err := proto.Unmarshal(data, graph); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", SavedModelFile)
	}
	return graph, nil
}

// writeDirectory fills dir with the saved model files. dir must exist.
func writeDirectory(dir string, doc *document, tensors map[string]*tensor.RawTensor, opts SaveOptions) error {
	for _, sub := range []string{VariablesDir, AssetsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create %s", sub)
		}
	}
	if _, err := serialization.WriteBundle(variablesPrefix(dir), tensors, serialization.BundleOptions{
		MaxShardBytes: opts.MaxShardBytes,
		Atomic:        opts.Atomic,
	}); err != nil {
		return errors.Wrap(err, "failed to write variables")
	}

	graph, err := encodeGraph(doc)
	if err != nil {
		return errors.Wrap(err, "failed to encode graph")
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(graph)
	if err != nil {
		return errors.Wrap(err, "failed to marshal graph")
	}
	// The graph is written last: a directory without it is not a saved model.
	return serialization.WriteFile(filepath.Join(dir, SavedModelFile), opts.Atomic, func(w *bufio.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
}

// saveDirectory writes a saved model directory at path. With opts.Atomic
// the directory is built beside path and swapped in by rename.
func saveDirectory(path string, doc *document, tensors map[string]*tensor.RawTensor, opts SaveOptions) error {
	if !opts.Atomic {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return errors.Wrap(err, "failed to create model directory")
		}
		return writeDirectory(path, doc, tensors, opts)
	}

	parent, base := filepath.Split(filepath.Clean(path))
	if parent == "" {
		parent = "."
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Wrap(err, "failed to create parent directory")
	}
	tmp := filepath.Join(parent, fmt.Sprintf(".%s.%s%s", base, uuid.NewString()[:8], serialization.TempSuffix))
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return errors.Wrap(err, "failed to create staging directory")
	}
	inner := opts
	inner.Atomic = false
	if err := writeDirectory(tmp, doc, tensors, inner); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	var old string
	if _, err := os.Stat(path); err == nil {
		old = tmp + ".old"
		if err := os.Rename(path, old); err != nil {
			_ = os.RemoveAll(tmp)
			return errors.Wrap(err, "failed to move previous model aside")
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		if old != "" {
			_ = os.Rename(old, path)
		}
		_ = os.RemoveAll(tmp)
		return errors.Wrap(err, "failed to commit model directory")
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func loadDirectory(dir string) (*document, map[string]*tensor.RawTensor, error) {
	graph, err := readGraph(dir)
	if err != nil {
		return nil, nil, err
	}
	doc, err := decodeGraph(graph)
	if err != nil {
		return nil, nil, err
	}
	tensors, _, err := serialization.ReadBundle(variablesPrefix(dir))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read variables")
	}
	return doc, tensors, nil
}

// Digest verifies the model at path and returns its fingerprint. For a
// directory the digest covers every file in it.
func Digest(path string) (Fingerprint, error) {
	format, err := Detect(path)
	if err != nil {
		return Fingerprint{}, err
	}
	if format == FormatLegacy {
		if _, _, err := serialization.ReadBornFile(path); err != nil {
			return Fingerprint{}, errors.WithMessagef(err, "verify %s", path)
		}
		sum, size, err := serialization.FileChecksum(path)
		if err != nil {
			return Fingerprint{}, errors.Wrapf(err, "verify %s", path)
		}
		return Fingerprint{SHA256: sum, Bytes: size}, nil
	}

	if _, err := readGraph(path); err != nil {
		return Fingerprint{}, errors.WithMessagef(err, "verify %s", path)
	}
	if _, err := serialization.VerifyBundle(variablesPrefix(path)); err != nil {
		return Fingerprint{}, errors.WithMessagef(err, "verify %s", path)
	}

	h := sha256.New()
	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		sum, size, err := serialization.FileChecksum(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(path, p)
		fmt.Fprintf(h, "%s %s\n", filepath.ToSlash(rel), sum)
		total += size
		return nil
	})
	if err != nil {
		return Fingerprint{}, errors.Wrapf(err, "verify %s", path)
	}
	return Fingerprint{SHA256: hex.EncodeToString(h.Sum(nil)), Bytes: total}, nil
}
