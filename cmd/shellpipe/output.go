package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pterm/pterm"

	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

// parseParams reads each argument as a JSON literal (number, string, bool
// or null) and falls back to the raw text.
func parseParams(args []string) []any {
	params := make([]any, 0, len(args))
	for _, arg := range args {
		params = append(params, parseParam(arg))
	}
	return params
}

func parseParam(arg string) any {
	dec := json.NewDecoder(strings.NewReader(arg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return arg
	}
	switch v.(type) {
	case map[string]any, []any:
		// Composite values have no SQL literal form.
		return arg
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRows renders rows as a table. Rows decode into maps, so columns are
// listed in name order.
func printRows(w io.Writer, rows []shellpipe.Row) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "(no rows)")
		return err
	}

	columns := rowColumns(rows)
	data := pterm.TableData{columns}
	for _, row := range rows {
		line := make([]string, len(columns))
		for i, col := range columns {
			line[i] = formatValue(row[col])
		}
		data = append(data, line)
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	_, err = fmt.Fprintln(w, table)
	return err
}

func rowColumns(rows []shellpipe.Row) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, row := range rows {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				columns = append(columns, col)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "1"
		}
		return "0"
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(buf.String())
}
