package tabular

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestFromCSV(t *testing.T) {
	is := is.New(t)

	table, err := FromCSV(strings.NewReader("name,count\nalpha,1\nbeta,2\n"))
	is.NoErr(err)

	is.Equal(table.Columns, []string{"name", "count"})
	is.Equal(table.RowCount(), 2)
	is.Equal(table.Rows[1][0], "beta")
}

func TestFromCSVShortRecordPadsWithNil(t *testing.T) {
	is := is.New(t)

	table, err := FromCSV(strings.NewReader("a,b,c\n1,2\n"))
	is.NoErr(err)

	is.Equal(len(table.Rows[0]), 3)
	is.Equal(table.Rows[0][2], nil)
}

func TestFromCSVEmptyDocument(t *testing.T) {
	is := is.New(t)

	_, err := FromCSV(strings.NewReader(""))
	is.True(err != nil)
}

func TestFromJSONColumnOrderIsStable(t *testing.T) {
	is := is.New(t)

	table, err := FromJSON(strings.NewReader(`[{"b": 2, "a": 1}, {"c": 3}]`))
	is.NoErr(err)

	is.Equal(table.Columns, []string{"a", "b", "c"})
	is.Equal(table.RowCount(), 2)
	is.Equal(table.Rows[1][0], nil)
}

func TestFromRecordsDropsInternalColumns(t *testing.T) {
	is := is.New(t)

	records := []map[string]any{
		{"_id": 1, "_full_text": "...", "name": "Alice", "age": 30.0},
	}
	table := FromRecords(records, []string{"_id", "name", "age", "_full_text"})

	is.Equal(table.Columns, []string{"name", "age"})
	is.Equal(table.Rows[0][0], "Alice")
}

func TestSizeBytesCountsStrings(t *testing.T) {
	is := is.New(t)

	table := &Table{
		Columns: []string{"x"},
		Rows:    [][]any{{"abcd"}, {nil}, {12.0}},
	}
	is.Equal(table.SizeBytes(), int64(1+4+8))
}
