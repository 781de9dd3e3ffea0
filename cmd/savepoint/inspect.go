package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/born-ml/savepoint/internal/catalog"
	"github.com/born-ml/savepoint/internal/checkpoint"
	"github.com/born-ml/savepoint/internal/persist"
	"github.com/born-ml/savepoint/internal/serialization"
	"github.com/born-ml/savepoint/internal/train"
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func dirFlag(name string, args []string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dir := fs.String("dir", ".", "Checkpoint directory.")
	must.M(fs.Parse(args))
	return *dir
}

func runLatest(_ context.Context, args []string) error {
	dir := dirFlag("latest", args)
	rec, err := checkpoint.Latest(dir)
	if err != nil {
		return err
	}
	fmt.Println(rec.Path)
	fmt.Printf("  kind %s - epoch %d - step %d - %s - written %s\n", rec.Kind, rec.Epoch, rec.Step,
		humanize.IBytes(uint64(rec.Bytes)), humanize.Time(rec.CreatedAt))
	if len(rec.Logs) > 0 {
		fmt.Printf("  %s\n", train.Logs(rec.Logs))
	}
	return nil
}

func runList(_ context.Context, args []string) error {
	dir := dirFlag("list", args)
	records, err := checkpoint.List(dir)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.Wrapf(checkpoint.ErrNoCheckpoint, "in %s", dir)
	}
	fmt.Println(recordsTable(dir, records))
	return nil
}

// recordsTable renders records, marking the last (latest) one.
func recordsTable(dir string, records []checkpoint.Record) string {
	t := newTable("CHECKPOINT", "KIND", "EPOCH", "STEP", "SIZE", "WRITTEN", "METRICS")
	for i, r := range records {
		name := relPath(dir, r.Path)
		if i == len(records)-1 {
			name += " *"
		}
		t.Row(name, string(r.Kind), strconv.Itoa(r.Epoch), strconv.FormatInt(r.Step, 10),
			humanize.IBytes(uint64(r.Bytes)), humanize.Time(r.CreatedAt), train.Logs(r.Logs).String())
	}
	return t.String()
}

func relPath(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel
	}
	return path
}

func runVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := fs.String("dir", ".", "Checkpoint directory.")
	workers := fs.Int("workers", 0, "Concurrent verifications. If <= 0, GOMAXPROCS is used.")
	must.M(fs.Parse(args))

	results, err := checkpoint.VerifyAll(ctx, *dir, *workers)
	if err != nil {
		return err
	}
	report, failed := verifyTable(*dir, results)
	fmt.Println(report)
	if failed > 0 {
		return errors.Errorf("%d of %d checkpoints failed verification", failed, len(results))
	}
	return nil
}

func verifyTable(dir string, results []checkpoint.VerifyResult) (string, int) {
	t := newTable("CHECKPOINT", "SIZE", "SHA256", "STATUS")
	var failed int
	for _, r := range results {
		status := okStyle.Render("ok")
		if r.Err != nil {
			failed++
			status = failStyle.Render("FAILED: " + r.Err.Error())
		}
		sum := r.Record.SHA256
		if len(sum) > 12 {
			sum = sum[:12]
		}
		t.Row(relPath(dir, r.Record.Path), humanize.IBytes(uint64(r.Record.Bytes)), sum, status)
	}
	return t.String(), failed
}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	path := fs.String("model", "", "A saved model (.born file or directory) or a weights checkpoint prefix.")
	skipChecksum := fs.Bool("skip_checksum", false, "Describe a .born file even if its data checksum does not match.")
	validation := fs.String("validation", "strict", "Header validation of .born files: strict, normal or none.")
	must.M(fs.Parse(args))
	if *path == "" {
		return errors.New("-model is required")
	}
	level, err := serialization.ParseValidationLevel(*validation)
	if err != nil {
		return err
	}
	out, err := describe(*path, serialization.ReaderOptions{SkipChecksumValidation: *skipChecksum, ValidationLevel: level})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// describe renders what is stored at path. opts applies to .born files.
func describe(path string, opts serialization.ReaderOptions) (string, error) {
	if serialization.BundleExists(path) {
		index, err := serialization.ReadBundleIndex(path)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: weights checkpoint, %d tensors in %d shard(s), %s",
			path, len(index.Tensors), len(index.Shards), humanize.IBytes(uint64(index.TotalBytes())))))
		sb.WriteString("\n")
		t := newTable("TENSOR", "DTYPE", "SHAPE", "SHARD")
		names := make([]string, 0, len(index.Tensors))
		for name := range index.Tensors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e := index.Tensors[name]
			t.Row(name, e.DType, fmt.Sprint(e.Shape), index.Shards[e.Shard].File)
		}
		sb.WriteString(t.String())
		return sb.String(), nil
	}

	format, err := persist.Detect(path)
	if err != nil {
		return "", err
	}
	if format == persist.FormatDirectory {
		graph, err := persist.DescribeGraph(path)
		if err != nil {
			return "", err
		}
		return titleStyle.Render(path+": saved model directory") + "\n" + graph, nil
	}

	tensors, header, err := serialization.ReadBornFileWith(path, opts)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: .born v%d, %s, written by %s %s",
		path, header.FormatVersion, header.ModelType, header.Producer, humanize.Time(header.CreatedAt))))
	sb.WriteString("\n")
	if tr := header.Training; tr != nil {
		fmt.Fprintf(&sb, "epoch %d - step %d - loss %s - optimizer %s\n", tr.Epoch, tr.Step, tr.Loss, tr.OptimizerType)
	}
	t := newTable("TENSOR", "DTYPE", "SHAPE", "SIZE")
	for _, meta := range header.Tensors {
		t.Row(meta.Name, meta.DType, fmt.Sprint(meta.Shape), humanize.IBytes(uint64(meta.Size)))
	}
	sb.WriteString(t.String())
	var params int
	for _, raw := range tensors {
		params += raw.NumElements()
	}
	fmt.Fprintf(&sb, "\n%d tensors, %s values", len(tensors), humanize.Comma(int64(params)))
	return sb.String(), nil
}

func runCatalog(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)
	dbPath := fs.String("db", "", "Catalog database file.")
	dir := fs.String("dir", "", "List the checkpoints catalogued for this directory.")
	run := fs.String("run", "", "List the checkpoints written by this run ID.")
	must.M(fs.Parse(args))
	if *dbPath == "" {
		return errors.New("-db is required")
	}

	store, err := catalog.Open(*dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var entries []catalog.Entry
	switch {
	case *dir != "":
		entries, err = store.List(ctx, *dir)
	case *run != "":
		entries, err = store.ListRun(ctx, *run)
	default:
		dirs, err := store.Dirs(ctx)
		if err != nil {
			return err
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println(entriesTable(entries))
	return nil
}

func entriesTable(entries []catalog.Entry) string {
	t := newTable("RUN", "CHECKPOINT", "EPOCH", "STEP", "SIZE", "WRITTEN", "METRICS")
	for _, e := range entries {
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		t.Row(run, filepath.Join(e.Dir, e.Path), strconv.Itoa(e.Epoch), strconv.FormatInt(e.Step, 10),
			humanize.IBytes(uint64(e.Bytes)), humanize.Time(e.CreatedAt), train.Logs(e.Logs).String())
	}
	return t.String()
}

func runUnlock(_ context.Context, args []string) error {
	dir := dirFlag("unlock", args)
	if err := checkpoint.Unlock(dir); err != nil {
		return err
	}
	fmt.Printf("Removed lock from %s\n", dir)
	return nil
}
