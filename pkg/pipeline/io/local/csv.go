// Package local reads and writes datasets on the local filesystem.
package local

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/schema"
)

const utf8BOM = "\ufeff"

// ReadDataset reads a CSV with a header row. Short rows are padded with empty
// cells; rows wider than the header are rejected.
func ReadDataset(r io.Reader) (*schema.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	t := &schema.Table{Columns: header}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("line %d has %d columns, header has %d", line, len(rec), len(header))
		}
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// ReadDatasetFile opens path and reads it with ReadDataset.
func ReadDatasetFile(path string) (*schema.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	t, err := ReadDataset(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// WriteDataset writes t as CSV, header first.
func WriteDataset(w io.Writer, t *schema.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteDatasetFile writes t to path, replacing any existing file.
func WriteDatasetFile(path string, t *schema.Table) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteDataset(f, t)
}
