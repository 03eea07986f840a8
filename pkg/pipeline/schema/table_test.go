package schema_test

import (
	"slices"
	"testing"

	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/schema"
)

func newTable() *schema.Table {
	return &schema.Table{
		Columns: []string{"Reviewer Name", "Reviewer Company"},
		Rows: [][]string{
			{"Jane Doe", "Acme"},
			{"Anonymous", ""},
		},
	}
}

func TestMissing(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		want     []string
	}{
		{name: "all present", required: []string{"Reviewer Name", "Reviewer Company"}},
		{name: "one missing", required: []string{"Reviewer Name", "Reviewer Title"}, want: []string{"Reviewer Title"}},
		{name: "names are exact", required: []string{"reviewer name"}, want: []string{"reviewer name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newTable().Missing(tt.required...); !slices.Equal(got, tt.want) {
				t.Fatalf("Missing(%q)=%q want=%q", tt.required, got, tt.want)
			}
		})
	}
}

func TestSetColumn_AppendsThenOverwrites(t *testing.T) {
	tbl := newTable()

	if err := tbl.SetColumn("LinkedIn Profile", []string{"https://www.linkedin.com/in/jdoe", "Anonymous"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(tbl.Columns, []string{"Reviewer Name", "Reviewer Company", "LinkedIn Profile"}) {
		t.Fatalf("unexpected columns: %v", tbl.Columns)
	}
	if err := tbl.SetColumn("LinkedIn Profile", []string{"Not Found", "Anonymous"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tbl.Columns) != 3 {
		t.Fatalf("column was duplicated: %v", tbl.Columns)
	}
	got, err := tbl.Column("LinkedIn Profile")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got, []string{"Not Found", "Anonymous"}) {
		t.Fatalf("unexpected column: %v", got)
	}
	for i, row := range tbl.Rows {
		if len(row) != 3 {
			t.Fatalf("row %d has %d cells", i, len(row))
		}
	}
}

func TestSetColumn_RejectsLengthMismatch(t *testing.T) {
	if err := newTable().SetColumn("LinkedIn Profile", []string{"x"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := newTable().Column("nope"); err == nil {
		t.Fatalf("expected error")
	}
}
