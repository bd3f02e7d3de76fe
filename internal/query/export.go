package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/curate-ml/curate/internal/document"
)

// DefaultExportWorkers is the default number of concurrent media copies
const DefaultExportWorkers = 4

// ExportOptions configures Export
type ExportOptions struct {
	// PrettyPrint indents the label files
	PrettyPrint bool

	// Workers bounds concurrent media copies
	Workers int

	// MediaField names the field holding the media path. Defaults to
	// "filepath".
	MediaField string
}

// ExportResult lists what an export wrote
type ExportResult struct {
	Media  []string
	Labels []string
}

type exportJob struct {
	src   string
	media string
	label string
	body  []byte
}

// Export copies the media of every result into dir and writes its labels
// as a sibling JSON file. dir must be empty or absent; nothing is written
// otherwise.
func (p Pipeline) Export(ctx context.Context, src Source, dir string, opts ExportOptions) (*ExportResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultExportWorkers
	}
	if opts.MediaField == "" {
		opts.MediaField = "filepath"
	}

	if err := ensureEmptyDir(dir); err != nil {
		return nil, err
	}

	it, err := p.Iter(ctx, src)
	if err != nil {
		return nil, err
	}
	defer it.Close(ctx)

	var jobs []exportJob
	used := make(map[string]bool)
	for it.Next(ctx) {
		job, err := newExportJob(it.Document(), dir, opts, used)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", it.Index(), err)
		}
		jobs = append(jobs, job)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := copyFile(job.src, job.media); err != nil {
				return fmt.Errorf("failed to copy %s: %w", job.src, err)
			}
			if err := os.WriteFile(job.label, job.body, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", job.label, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &ExportResult{}
	for _, job := range jobs {
		res.Media = append(res.Media, job.media)
		res.Labels = append(res.Labels, job.label)
	}
	return res, nil
}

func ensureEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(dir, 0o755)
	case err != nil:
		return err
	case len(entries) > 0:
		return fmt.Errorf("%w: %s", ErrExportDirNotEmpty, dir)
	}
	return nil
}

// newExportJob assigns flat, unique output names. A taken stem gets the
// smallest numeric suffix not already emitted, in iteration order.
func newExportJob(doc *document.Document, dir string, opts ExportOptions, used map[string]bool) (exportJob, error) {
	v, err := doc.Get(opts.MediaField)
	if err != nil {
		return exportJob{}, err
	}
	srcPath, ok := v.(string)
	if !ok || srcPath == "" {
		return exportJob{}, fmt.Errorf("document %s has no %s", doc.ID(), opts.MediaField)
	}

	base := filepath.Base(srcPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := stem
	for n := 1; used[strings.ToLower(name)]; n++ {
		name = fmt.Sprintf("%s-%d", stem, n)
	}
	used[strings.ToLower(name)] = true
	stem = name

	body, err := labelJSON(doc, opts)
	if err != nil {
		return exportJob{}, err
	}

	return exportJob{
		src:   srcPath,
		media: filepath.Join(dir, stem+ext),
		label: filepath.Join(dir, stem+".json"),
		body:  body,
	}, nil
}

// labelJSON renders the document's fields, other than the media path, as
// relaxed extended JSON
func labelJSON(doc *document.Document, opts ExportOptions) ([]byte, error) {
	fields := doc.ToSerializable(false)
	labels := make(bson.D, 0, len(fields))
	for _, e := range fields {
		if e.Key == opts.MediaField {
			continue
		}
		labels = append(labels, e)
	}

	body, err := bson.MarshalExtJSON(labels, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode labels: %w", err)
	}
	if !opts.PrettyPrint {
		return body, nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
