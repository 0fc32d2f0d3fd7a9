package stats

const (
	WholePortfolio = "WholePortfolio"
	MetricsColumn  = "Metrics"
	NotApplicable  = "N/A"
)

// DefaultDurationMetrics are floored to whole seconds when the table is built.
var DefaultDurationMetrics = []string{"Avg Winning Trade Duration", "Avg Losing Trade Duration"}

type Metric struct {
	Name  string
	Value Value
}

// Record is an ordered list of metrics for one scope: the portfolio or a symbol.
type Record struct {
	Scope   string
	Metrics []Metric
}

// Get returns the first metric with the given name.
func (r Record) Get(name string) (Value, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return Value{}, false
}

type Row struct {
	Metric string   `json:"metric"`
	Cells  []string `json:"cells"`
}

// Table is the rendered stats grid: one row per metric, one column per entity.
// Entities[0] is always WholePortfolio. Cells are already display strings.
type Table struct {
	Entities []string `json:"entities"`
	Rows     []Row    `json:"rows"`
}

// Header is the column list a data table shows: Metrics, then every entity.
func (t *Table) Header() []string {
	return append([]string{MetricsColumn}, t.Entities...)
}

// Records is the table in column-keyed form, one map per row.
func (t *Table) Records() []map[string]string {
	out := make([]map[string]string, len(t.Rows))
	for i, row := range t.Rows {
		rec := make(map[string]string, len(t.Entities)+1)
		rec[MetricsColumn] = row.Metric
		for j, e := range t.Entities {
			rec[e] = row.Cells[j]
		}
		out[i] = rec
	}
	return out
}

// Cell looks up a single cell by metric name and entity.
func (t *Table) Cell(metric, entity string) (string, bool) {
	col := -1
	for j, e := range t.Entities {
		if e == entity {
			col = j
			break
		}
	}
	if col < 0 {
		return "", false
	}
	for _, row := range t.Rows {
		if row.Metric == metric {
			return row.Cells[col], true
		}
	}
	return "", false
}

// Column returns the metric -> cell pairs of one entity, in row order.
func (t *Table) Column(entity string) ([]Metric, bool) {
	col := -1
	for j, e := range t.Entities {
		if e == entity {
			col = j
		}
	}
	if col < 0 {
		return nil, false
	}
	out := make([]Metric, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = Metric{Name: row.Metric, Value: Text(row.Cells[col])}
	}
	return out, true
}
