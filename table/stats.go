package table

import (
	"encoding/json"
	"math"
	"strconv"
)

// ColumnStats holds min, max and count of one column over a batch.
// Min and Max are undefined when Count is 0.
type ColumnStats struct {
	Name  string `json:"name"`
	Min   any    `json:"min,omitempty"`
	Max   any    `json:"max,omitempty"`
	Count int64  `json:"count"`
}

// MarshalJSON writes NaN and infinite bounds as the strings "NaN", "+Inf"
// and "-Inf", which encoding/json cannot represent as numbers
func (c ColumnStats) MarshalJSON() ([]byte, error) {
	type plain ColumnStats
	p := plain(c)
	p.Min, p.Max = finiteBound(p.Min), finiteBound(p.Max)
	return json.Marshal(p)
}

func finiteBound(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v
}

// Stats holds the row count and per-column statistics of a batch
type Stats struct {
	RowCount int64         `json:"row_count"`
	Columns  []ColumnStats `json:"columns"`
}

// Column returns the statistics of the named column
func (s Stats) Column(name string) (ColumnStats, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnStats{}, false
}

// ComputeStats scans the batch once and computes per-column min/max/count
func ComputeStats(b *Batch) Stats {
	cols := b.Schema.Columns()
	st := Stats{
		RowCount: int64(b.Len()),
		Columns:  make([]ColumnStats, len(cols)),
	}
	for i, c := range cols {
		st.Columns[i].Name = c.Name
	}
	for _, row := range b.Rows {
		for i := range st.Columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			cs := &st.Columns[i]
			v := row[i]
			if cs.Count == 0 {
				cs.Min, cs.Max = v, v
			} else {
				if c, ok := Compare(v, cs.Min); ok && c < 0 {
					cs.Min = v
				}
				if c, ok := Compare(v, cs.Max); ok && c > 0 {
					cs.Max = v
				}
			}
			cs.Count++
		}
	}
	return st
}
