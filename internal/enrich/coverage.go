package enrich

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Band labels a coverage ratio for human consumption.
func Band(ratio float64) string {
	switch {
	case ratio >= 0.80:
		return "excellent"
	case ratio >= 0.50:
		return "good"
	case ratio >= 0.20:
		return "partial"
	default:
		return "low"
	}
}

// Monitor is the read-only coverage reporter.
type Monitor struct {
	store *canonical.Store
}

func NewMonitor(store *canonical.Store) *Monitor {
	return &Monitor{store: store}
}

// CoverageReport holds the four coverage views.
type CoverageReport struct {
	Global    canonical.DimensionCoverage   `json:"global"`
	ByLevel   []canonical.DimensionCoverage `json:"by_level"`
	BySource  []canonical.DimensionCoverage `json:"by_source"`
	ByColumn  []ColumnStat                  `json:"by_column"`
	TotalRows int64                         `json:"total_rows"`
}

// ColumnStat is per-column fill over the enrichment table.
type ColumnStat struct {
	Column string  `json:"column"`
	Filled int64   `json:"filled"`
	Ratio  float64 `json:"ratio"`
}

func (m *Monitor) Report(ctx context.Context) (*CoverageReport, error) {
	var rep CoverageReport
	var err error
	if rep.Global, err = m.store.GlobalCoverage(ctx); err != nil {
		return nil, fmt.Errorf("global coverage: %w", err)
	}
	if rep.ByLevel, err = m.store.CoverageByDimension(ctx, "level"); err != nil {
		return nil, fmt.Errorf("level coverage: %w", err)
	}
	if rep.BySource, err = m.store.CoverageByDimension(ctx, "source"); err != nil {
		return nil, fmt.Errorf("source coverage: %w", err)
	}
	total, filled, err := m.store.ColumnCoverage(ctx)
	if err != nil {
		return nil, fmt.Errorf("column coverage: %w", err)
	}
	rep.TotalRows = total
	names := make([]string, 0, len(filled))
	for name := range filled {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ratio := 0.0
		if total > 0 {
			ratio = float64(filled[name]) / float64(total)
		}
		rep.ByColumn = append(rep.ByColumn, ColumnStat{Column: name, Filled: filled[name], Ratio: ratio})
	}
	return &rep, nil
}

// WriteText renders the report as a human-readable summary.
func (rep *CoverageReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "global: %d/%d (%.1f%%, %s)\n",
		rep.Global.Enriched, rep.Global.Eligible, rep.Global.Ratio()*100, Band(rep.Global.Ratio()))
	writeDim := func(title string, dims []canonical.DimensionCoverage) {
		fmt.Fprintf(w, "\nby %s:\n", title)
		for _, d := range dims {
			fmt.Fprintf(w, "  %-12s %d/%d (%.1f%%, %s)\n",
				d.Dimension, d.Enriched, d.Eligible, d.Ratio()*100, Band(d.Ratio()))
		}
	}
	writeDim("level", rep.ByLevel)
	writeDim("source", rep.BySource)
	fmt.Fprintf(w, "\nby column (%d rows):\n", rep.TotalRows)
	for _, c := range rep.ByColumn {
		fmt.Fprintf(w, "  %-44s %d (%.1f%%, %s)\n", c.Column, c.Filled, c.Ratio*100, Band(c.Ratio))
	}
	return nil
}

// WriteTable renders the report as a machine-friendly tab-separated table
// with one row per (view, key) pair.
func (rep *CoverageReport) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 1, '\t', 0)
	fmt.Fprintln(tw, "view\tkey\tenriched\teligible\tratio\tband")
	row := func(view, key string, enriched, eligible int64, ratio float64) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.4f\t%s\n", view, key, enriched, eligible, ratio, Band(ratio))
	}
	row("global", "all", rep.Global.Enriched, rep.Global.Eligible, rep.Global.Ratio())
	for _, d := range rep.ByLevel {
		row("level", d.Dimension, d.Enriched, d.Eligible, d.Ratio())
	}
	for _, d := range rep.BySource {
		row("source", d.Dimension, d.Enriched, d.Eligible, d.Ratio())
	}
	for _, c := range rep.ByColumn {
		row("column", c.Column, c.Filled, rep.TotalRows, c.Ratio)
	}
	return tw.Flush()
}

// Priority is one (level, source) rung of the expander's ladder. A zero
// Level or empty Source matches everything on that axis.
type Priority struct {
	Level  int
	Source string
}

// ParsePriorities reads "level:source" pairs, e.g. "4:imessage,5:,0:gmail".
func ParsePriorities(spec string) ([]Priority, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var out []Priority
	for _, part := range strings.Split(spec, ",") {
		lvl, src, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("priority %q: want level:source", part)
		}
		var p Priority
		if lvl != "" && lvl != "0" {
			if _, err := fmt.Sscanf(lvl, "%d", &p.Level); err != nil {
				return nil, fmt.Errorf("priority %q: bad level: %w", part, err)
			}
		}
		p.Source = src
		out = append(out, p)
	}
	return out, nil
}

// Expander grows raw coverage toward a target by writing minimal enrichment
// shells for entities that have no enrichment row at all.
type Expander struct {
	store *canonical.Store
	log   *logger.Logger
}

func NewExpander(store *canonical.Store, log *logger.Logger) *Expander {
	return &Expander{store: store, log: log}
}

// ExpandReport is the outcome of one expansion.
type ExpandReport struct {
	TargetPct  float64 `json:"target_pct"`
	StartPct   float64 `json:"start_pct"`
	EndPct     float64 `json:"end_pct"`
	Candidates int     `json:"candidates"`
	Created    int     `json:"created"`
	DryRun     bool    `json:"dry_run,omitempty"`
}

// Expand walks the priority ladder creating shells until global coverage
// reaches targetPct or the candidates run out. Dry-run counts only.
func (e *Expander) Expand(ctx context.Context, targetPct float64, priorities []Priority, dryRun bool) (*ExpandReport, error) {
	if targetPct <= 0 || targetPct > 100 {
		return nil, fmt.Errorf("target percentage %.1f out of range (0, 100]", targetPct)
	}
	global, err := e.store.GlobalCoverage(ctx)
	if err != nil {
		return nil, err
	}
	rep := &ExpandReport{TargetPct: targetPct, StartPct: global.Ratio() * 100, DryRun: dryRun}
	if len(priorities) == 0 {
		priorities = []Priority{{}}
	}

	needed := int(float64(global.Eligible)*targetPct/100) - int(global.Enriched)
	if needed <= 0 {
		rep.EndPct = rep.StartPct
		return rep, nil
	}

	for _, p := range priorities {
		if needed <= 0 {
			break
		}
		ids, err := e.store.MissingEnrichmentIDs(ctx, p.Level, p.Source, needed)
		if err != nil {
			return nil, fmt.Errorf("find candidates level=%d source=%q: %w", p.Level, p.Source, err)
		}
		rep.Candidates += len(ids)
		if dryRun || len(ids) == 0 {
			needed -= len(ids)
			continue
		}
		provenance := fmt.Sprintf("coverage_expander level=%d source=%s", p.Level, p.Source)
		if err := e.store.CreateEnrichmentShells(ctx, ids, provenance); err != nil {
			return nil, fmt.Errorf("create shells: %w", err)
		}
		rep.Created += len(ids)
		needed -= len(ids)
		e.log.Info("coverage shells created", "level", p.Level, "source", p.Source, "count", len(ids))
	}

	if dryRun {
		rep.EndPct = rep.StartPct
		return rep, nil
	}
	global, err = e.store.GlobalCoverage(ctx)
	if err != nil {
		return nil, err
	}
	rep.EndPct = global.Ratio() * 100
	return rep, nil
}
