// Package tabular holds the in-memory representation of a downloaded
// resource payload on its way into the cache.
package tabular

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Table is a column-ordered tabular payload. Row values are kept as the
// loosely-typed values the source produced; the storage engine decides how
// to persist them.
type Table struct {
	Columns []string
	Rows    [][]any
}

func (t *Table) RowCount() int {
	return len(t.Rows)
}

// SizeBytes is a rough in-memory size estimate used for cache bookkeeping.
// It is advisory, mirroring what list/stats endpoints report.
func (t *Table) SizeBytes() int64 {
	var size int64
	for _, c := range t.Columns {
		size += int64(len(c))
	}
	for _, row := range t.Rows {
		for _, v := range row {
			switch val := v.(type) {
			case nil:
			case string:
				size += int64(len(val))
			default:
				size += 8
			}
		}
	}
	return size
}

// FromCSV reads an entire CSV document. The first record is the header.
func FromCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv document is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	t := &Table{Columns: header}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record: %w", err)
		}

		row := make([]any, len(header))
		for i := range header {
			if i < len(record) {
				row[i] = record[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

// FromJSON reads a JSON array of flat objects. Column order is the sorted
// union of keys seen across all objects, so repeated downloads of the same
// payload produce the same table shape.
func FromJSON(r io.Reader) (*Table, error) {
	var objects []map[string]any
	if err := json.NewDecoder(r).Decode(&objects); err != nil {
		return nil, fmt.Errorf("failed to parse json document: %w", err)
	}
	return fromMaps(objects, false), nil
}

// FromRecords builds a table from datastore records, dropping the platform's
// underscore-prefixed bookkeeping columns (_id, _full_text and friends).
func FromRecords(records []map[string]any, fields []string) *Table {
	if len(fields) > 0 {
		columns := make([]string, 0, len(fields))
		for _, f := range fields {
			if !strings.HasPrefix(f, "_") {
				columns = append(columns, f)
			}
		}
		t := &Table{Columns: columns}
		for _, rec := range records {
			row := make([]any, len(columns))
			for i, c := range columns {
				row[i] = rec[c]
			}
			t.Rows = append(t.Rows, row)
		}
		return t
	}
	return fromMaps(records, true)
}

func fromMaps(objects []map[string]any, dropInternal bool) *Table {
	seen := map[string]struct{}{}
	for _, obj := range objects {
		for k := range obj {
			if dropInternal && strings.HasPrefix(k, "_") {
				continue
			}
			seen[k] = struct{}{}
		}
	}

	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	t := &Table{Columns: columns}
	for _, obj := range objects {
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = obj[c]
		}
		t.Rows = append(t.Rows, row)
	}

	return t
}
