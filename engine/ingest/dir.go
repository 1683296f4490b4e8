package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/fn"
)

// ErrNoPDFs is returned by IngestDir when the folder holds no PDF files.
var ErrNoPDFs = errors.New("no PDF files found in the specified folder")

// IngestDir runs every *.pdf file directly under dir through the pipeline,
// one at a time, in file name order. A failing file does not stop the rest;
// its report carries the error. The error return is reserved for a folder
// that cannot be read or holds no PDFs.
func (p *Pipeline) IngestDir(ctx context.Context, dir string) ([]Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: read dir %s: %w", dir, err)
	}
	names := fn.FilterMap(entries, func(e os.DirEntry) (string, bool) {
		return e.Name(), !e.IsDir() && domain.IsPDFName(e.Name())
	})
	p.log.InfoContext(ctx, "ingest dir", "dir", dir, "pdfs", len(names))
	if len(names) == 0 {
		return nil, fmt.Errorf("ingest: %s: %w", dir, ErrNoPDFs)
	}

	reports := make([]Report, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			rep, _ := p.fail(ctx, Report{Source: name, State: StateReceived}, StateReceived,
				fmt.Errorf("ingest: read %s: %w", name, err))
			reports = append(reports, rep)
			continue
		}
		rep, _ := p.Ingest(ctx, Upload{Source: name, Data: data})
		reports = append(reports, rep)
	}
	return reports, nil
}

// Succeeded counts the successful reports.
func Succeeded(reports []Report) int {
	return len(fn.Filter(reports, func(r Report) bool { return r.Success }))
}
