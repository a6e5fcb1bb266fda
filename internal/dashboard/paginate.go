package dashboard

import "github.com/miradorflow/core/internal/tableenv"

type page struct {
	Rows    []map[string]interface{}
	Columns []string
	Total   int
}

// paginate resolves a page of rows from an env value of either shape: an
// opaque tableenv.Table, or a plain {rows, columns, total} dict. Unknown
// shapes yield an empty page rather than an error.
func paginate(value interface{}, pageNum, pageSize int) page {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if t, ok := value.(tableenv.Table); ok {
		return paginateTable(t, pageNum, pageSize)
	}
	if m, ok := value.(map[string]interface{}); ok {
		return paginateDict(m, pageNum, pageSize)
	}
	return page{Rows: []map[string]interface{}{}, Columns: []string{}, Total: 0}
}

func paginateTable(t tableenv.Table, pageNum, pageSize int) page {
	total := t.Len()
	start := clamp(pageNum*pageSize, 0, total)
	end := clamp(start+pageSize, 0, total)

	sliced := t.Head(end)
	columns := sliced.Columns()
	dict := sliced.ToDict()

	rows := make([]map[string]interface{}, 0, end-start)
	if len(columns) > 0 {
		limit := end
		if n := len(dict[columns[0]]); n < limit {
			limit = n
		}
		for i := start; i < limit; i++ {
			row := make(map[string]interface{}, len(columns))
			for _, col := range columns {
				vals := dict[col]
				if i < len(vals) {
					row[col] = vals[i]
				}
			}
			rows = append(rows, row)
		}
	}

	return page{Rows: rows, Columns: columns, Total: total}
}

func paginateDict(m map[string]interface{}, pageNum, pageSize int) page {
	rawRows, _ := m["rows"].([]interface{})

	total := len(rawRows)
	if v, ok := m["total"].(int); ok {
		total = v
	}

	columns := toStringSlice(m["columns"])

	start := clamp(pageNum*pageSize, 0, len(rawRows))
	end := clamp(start+pageSize, 0, len(rawRows))

	rows := make([]map[string]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		switch row := rawRows[i].(type) {
		case map[string]interface{}:
			rows = append(rows, row)
		default:
			rows = append(rows, map[string]interface{}{"value": row})
		}
	}

	return page{Rows: rows, Columns: columns, Total: total}
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
