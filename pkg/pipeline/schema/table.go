// Package schema models the tabular datasets the pipeline reads and writes.
package schema

import (
	"fmt"
	"strings"
)

// Table is an ordered set of rows under a fixed header.
//
// Every row has exactly len(Columns) cells; readers pad or reject ragged input
// before building a Table.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of the column with exactly this name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Missing returns the required columns absent from the header, in the order given.
func (t *Table) Missing(required ...string) []string {
	var out []string
	for _, name := range required {
		if t.Index(name) < 0 {
			out = append(out, name)
		}
	}
	return out
}

// Column returns a copy of the named column's values.
func (t *Table) Column(name string) ([]string, error) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// SetColumn writes values into the named column, appending the column when it
// does not exist yet. values must have one entry per row.
func (t *Table) SetColumn(name string, values []string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("column name is empty")
	}
	if len(values) != len(t.Rows) {
		return fmt.Errorf("column %q has %d values for %d rows", name, len(values), len(t.Rows))
	}
	idx := t.Index(name)
	if idx < 0 {
		t.Columns = append(t.Columns, name)
		idx = len(t.Columns) - 1
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], "")
		}
	}
	for i, v := range values {
		t.Rows[i][idx] = v
	}
	return nil
}
