package canonical

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// enrichmentColumns maps every enrichment-owned column to its DDL type. The
// pass descriptors in internal/enrich reference these names; anything not in
// this map is rejected before it can reach a query string.
var enrichmentColumns = map[string]string{
	"textblob_polarity":     "DOUBLE",
	"textblob_subjectivity": "DOUBLE",
	"textblob_version":      "VARCHAR",

	"textstat_flesch_reading_ease":          "DOUBLE",
	"textstat_flesch_kincaid_grade":         "DOUBLE",
	"textstat_gunning_fog":                  "DOUBLE",
	"textstat_smog_index":                   "DOUBLE",
	"textstat_automated_readability_index":  "DOUBLE",
	"textstat_coleman_liau_index":           "DOUBLE",
	"textstat_linsear_write_formula":        "DOUBLE",
	"textstat_dale_chall_readability_score": "DOUBLE",
	"textstat_difficult_words":              "INTEGER",
	"textstat_lexicon_count":                "INTEGER",
	"textstat_sentence_count":               "INTEGER",
	"textstat_syllable_count":               "INTEGER",
	"textstat_reading_time":                 "DOUBLE",
	"textstat_version":                      "VARCHAR",

	"nrc_emotion_frequencies": "JSON",
	"nrc_top_emotion":         "VARCHAR",
	"nrc_version":             "VARCHAR",

	"goemotions_scores":          "JSON",
	"goemotions_top_emotions":    "JSON",
	"goemotions_primary_emotion": "VARCHAR",
	"goemotions_primary_score":   "DOUBLE",
	"goemotions_model":           "VARCHAR",
	"goemotions_version":         "VARCHAR",

	"roberta_hate_label":   "VARCHAR",
	"roberta_hate_score":   "DOUBLE",
	"roberta_hate_model":   "VARCHAR",
	"roberta_hate_version": "VARCHAR",

	"keybert_top_keyword":  "VARCHAR",
	"keybert_top_score":    "DOUBLE",
	"keybert_all_keywords": "JSON",
	"keybert_version":      "VARCHAR",

	"bertopic_topic_id":          "INTEGER",
	"bertopic_topic_probability": "DOUBLE",
	"bertopic_model_id":          "VARCHAR",
	"bertopic_version":           "VARCHAR",

	"cluster_id":         "INTEGER",
	"cluster_label":      "VARCHAR",
	"cluster_confidence": "DOUBLE",
	"cluster_model":      "VARCHAR",
	"cluster_version":    "VARCHAR",

	"resonance_group_id": "VARCHAR",
	"resonance_score":    "DOUBLE",
	"resonance_version":  "VARCHAR",

	"primary_category": "VARCHAR",
	"category_path":    "VARCHAR",
	"content_type":     "VARCHAR",
	"domain":           "VARCHAR",
	"taxonomy_version": "VARCHAR",

	"is_claim":       "BOOLEAN",
	"claim_type":     "VARCHAR",
	"qa_role":        "VARCHAR",
	"claims_version": "VARCHAR",

	"span_id":              "VARCHAR",
	"word_id":              "VARCHAR",
	"fine_grained_version": "VARCHAR",

	"enrichment_quality_flags": "JSON",
	"enrichment_metadata":      "JSON",
	"quality_version":          "VARCHAR",

	"triage_complexity":  "DOUBLE",
	"triage_priority":    "VARCHAR",
	"triage_category":    "VARCHAR",
	"triage_needs_flash": "BOOLEAN",
	"triage_needs_pro":   "BOOLEAN",
}

// passStamps are the per-pass completion timestamps used for coverage.
var passStamps = []string{
	"sentiment_enriched_at",
	"readability_enriched_at",
	"lexicon_emotion_enriched_at",
	"transformer_emotion_enriched_at",
	"toxicity_enriched_at",
	"keywords_enriched_at",
	"topics_enriched_at",
	"clustering_enriched_at",
	"resonance_enriched_at",
	"taxonomy_enriched_at",
	"claims_enriched_at",
	"fine_grained_enriched_at",
	"quality_enriched_at",
	"triage_enriched_at",
}

func (s *Store) migrateEnrichments() error {
	names := make([]string, 0, len(enrichmentColumns))
	for name := range enrichmentColumns {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("entity_id VARCHAR PRIMARY KEY")
	for _, name := range names {
		fmt.Fprintf(&b, ",\n\t%s %s", name, enrichmentColumns[name])
	}
	for _, stamp := range passStamps {
		fmt.Fprintf(&b, ",\n\t%s TIMESTAMP", stamp)
	}
	cols := b.String()
	for _, table := range []string{"entity_enrichments", "entity_enrichments_staging"} {
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, cols)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
	}
	return nil
}

func validEnrichmentColumn(name string) bool {
	if _, ok := enrichmentColumns[name]; ok {
		return true
	}
	for _, stamp := range passStamps {
		if name == stamp {
			return true
		}
	}
	return false
}

func checkColumns(cols []string) error {
	for _, c := range cols {
		if !validEnrichmentColumn(c) {
			return fmt.Errorf("unknown enrichment column %q", c)
		}
	}
	return nil
}

// EnrichTarget is one entity selected for an enrichment pass.
type EnrichTarget struct {
	EntityID string
	Level    int
	Text     string
}

// SelectOpts controls which entities an enrichment pass sees.
type SelectOpts struct {
	Levels    []int
	Source    string   // source_platform filter; empty selects all
	Columns   []string // pass-owned columns; ignored when Force is set
	Force     bool     // select regardless of existing values
	EntityIDs []string // explicit id list overrides the null filter
	Limit     int
	Offset    int
}

// SelectionSQL exposes the generated query for dry-run reporting.
func (s *Store) SelectionSQL(opts SelectOpts) (string, error) {
	q, _, err := buildSelection(opts)
	return q, err
}

// SelectForEnrichment returns entities whose owned columns are still null, in
// stable id order. Entities absent from the enrichment table count as null.
func (s *Store) SelectForEnrichment(ctx context.Context, opts SelectOpts) ([]EnrichTarget, error) {
	query, args, err := buildSelection(opts)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EnrichTarget
	for rows.Next() {
		var t EnrichTarget
		if err := rows.Scan(&t.EntityID, &t.Level, &t.Text); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func buildSelection(opts SelectOpts) (string, []any, error) {
	if err := checkColumns(opts.Columns); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	b.WriteString(`
		SELECT e.entity_id, e.level, COALESCE(e.text, '')
		FROM entity_unified e
		LEFT JOIN entity_enrichments r ON r.entity_id = e.entity_id
		WHERE 1=1`)
	var args []any
	if len(opts.Levels) > 0 {
		b.WriteString(" AND e.level IN (")
		for i, lvl := range opts.Levels {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, lvl)
		}
		b.WriteString(")")
	}
	if opts.Source != "" {
		b.WriteString(" AND e.source_platform = ?")
		args = append(args, opts.Source)
	}
	if len(opts.EntityIDs) > 0 {
		b.WriteString(" AND e.entity_id IN (")
		for i, id := range opts.EntityIDs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	} else if !opts.Force && len(opts.Columns) > 0 {
		b.WriteString(" AND (")
		for i, col := range opts.Columns {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString("r." + col + " IS NULL")
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY e.entity_id")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, opts.Offset)
	}
	return b.String(), args, nil
}

// EnrichmentRow carries the values one pass produced for one entity. Values
// is keyed by column name and must stay inside the pass's owned set.
type EnrichmentRow struct {
	EntityID string
	Values   map[string]any
}

// UpsertEnrichments writes pass output and stamps the pass timestamp. The
// column list fixes the statement shape; rows missing a column write null.
func (s *Store) UpsertEnrichments(ctx context.Context, stamp string, cols []string, rows []EnrichmentRow) error {
	if err := checkColumns(append([]string{stamp}, cols...)); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	var insertCols, updates []string
	insertCols = append(insertCols, "entity_id")
	placeholders := []string{"?"}
	for _, c := range cols {
		insertCols = append(insertCols, c)
		placeholders = append(placeholders, "?")
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	insertCols = append(insertCols, stamp)
	placeholders = append(placeholders, "?")
	updates = append(updates, fmt.Sprintf("%s = excluded.%s", stamp, stamp))

	query := fmt.Sprintf(`
		INSERT INTO entity_enrichments (%s) VALUES (%s)
		ON CONFLICT (entity_id) DO UPDATE SET %s`,
		strings.Join(insertCols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, r := range rows {
		args := make([]any, 0, len(cols)+2)
		args = append(args, r.EntityID)
		for _, c := range cols {
			args = append(args, r.Values[c])
		}
		args = append(args, now)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert enrichment for %s: %w", r.EntityID, err)
		}
	}
	return tx.Commit()
}

// PromoteEnrichments merges the staging enrichment table into the published
// one, null-only per column so published values are never overwritten.
func (s *Store) PromoteEnrichments(ctx context.Context) (int64, error) {
	names := make([]string, 0, len(enrichmentColumns)+len(passStamps))
	for name := range enrichmentColumns {
		names = append(names, name)
	}
	names = append(names, passStamps...)
	sort.Strings(names)

	var updates []string
	for _, name := range names {
		updates = append(updates, fmt.Sprintf("%s = COALESCE(entity_enrichments.%s, excluded.%s)", name, name, name))
	}
	all := append([]string{"entity_id"}, names...)
	query := fmt.Sprintf(`
		INSERT INTO entity_enrichments (%s)
		SELECT %s FROM entity_enrichments_staging
		ON CONFLICT (entity_id) DO UPDATE SET %s`,
		strings.Join(all, ", "), strings.Join(all, ", "), strings.Join(updates, ", "))
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("promote enrichments: %w", err)
	}
	return res.RowsAffected()
}

// MissingEnrichmentIDs lists entities with no enrichment row at all, for the
// coverage expander. Priority order is the caller's (level, source) loop.
func (s *Store) MissingEnrichmentIDs(ctx context.Context, level int, source string, limit int) ([]string, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT e.entity_id FROM entity_unified e
		LEFT JOIN entity_enrichments r ON r.entity_id = e.entity_id
		WHERE r.entity_id IS NULL`)
	var args []any
	if level > 0 {
		b.WriteString(" AND e.level = ?")
		args = append(args, level)
	}
	if source != "" {
		b.WriteString(" AND e.source_platform = ?")
		args = append(args, source)
	}
	b.WriteString(" ORDER BY e.entity_id LIMIT ?")
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateEnrichmentShells inserts minimal rows (id plus provenance metadata)
// so downstream passes see the entity in the enrichment table. No pass stamp
// is set; the shell counts toward global coverage only.
func (s *Store) CreateEnrichmentShells(ctx context.Context, entityIDs []string, provenance string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entity_enrichments (entity_id, enrichment_metadata)
		VALUES (?, ?)
		ON CONFLICT (entity_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	meta := fmt.Sprintf(`{"shell": true, "created_by": %q, "created_at": %q}`,
		provenance, time.Now().UTC().Format(time.RFC3339))
	for _, id := range entityIDs {
		if _, err := stmt.ExecContext(ctx, id, meta); err != nil {
			return fmt.Errorf("create shell for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DimensionCoverage is coverage grouped by one dimension (level or source).
type DimensionCoverage struct {
	Dimension string
	Eligible  int64
	Enriched  int64
}

func (c DimensionCoverage) Ratio() float64 {
	if c.Eligible == 0 {
		return 0
	}
	return float64(c.Enriched) / float64(c.Eligible)
}

// CoverageByDimension groups global row coverage by "level" or "source".
func (s *Store) CoverageByDimension(ctx context.Context, dim string) ([]DimensionCoverage, error) {
	var col string
	switch dim {
	case "level":
		col = "CAST(e.level AS VARCHAR)"
	case "source":
		col = "e.source_platform"
	default:
		return nil, fmt.Errorf("coverage dimension %q not supported", dim)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+col+`, count(*), count(r.entity_id)
		FROM entity_unified e
		LEFT JOIN entity_enrichments r ON r.entity_id = e.entity_id
		GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DimensionCoverage
	for rows.Next() {
		var c DimensionCoverage
		if err := rows.Scan(&c.Dimension, &c.Eligible, &c.Enriched); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GlobalCoverage reports how many canonical entities have any enrichment row.
func (s *Store) GlobalCoverage(ctx context.Context) (DimensionCoverage, error) {
	c := DimensionCoverage{Dimension: "global"}
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), count(r.entity_id)
		FROM entity_unified e
		LEFT JOIN entity_enrichments r ON r.entity_id = e.entity_id`).
		Scan(&c.Eligible, &c.Enriched)
	return c, err
}

// ColumnCoverage counts non-null values per enrichment column over all rows
// in the enrichment table.
func (s *Store) ColumnCoverage(ctx context.Context) (total int64, filled map[string]int64, err error) {
	names := make([]string, 0, len(enrichmentColumns))
	for name := range enrichmentColumns {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("SELECT count(*)")
	for _, name := range names {
		b.WriteString(", count(" + name + ")")
	}
	b.WriteString(" FROM entity_enrichments")

	dest := make([]any, 0, len(names)+1)
	dest = append(dest, &total)
	values := make([]int64, len(names))
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := s.db.QueryRowContext(ctx, b.String()).Scan(dest...); err != nil {
		return 0, nil, err
	}
	filled = make(map[string]int64, len(names))
	for i, name := range names {
		filled[name] = values[i]
	}
	return total, filled, nil
}

// PassCoverage is the enriched/eligible ratio for one pass.
type PassCoverage struct {
	Pass     string
	Eligible int64
	Enriched int64
}

func (c PassCoverage) Ratio() float64 {
	if c.Eligible == 0 {
		return 0
	}
	return float64(c.Enriched) / float64(c.Eligible)
}

// Coverage counts, per pass stamp, how many eligible entities carry it.
func (s *Store) Coverage(ctx context.Context, pass, stamp string, levels []int) (PassCoverage, error) {
	if err := checkColumns([]string{stamp}); err != nil {
		return PassCoverage{}, err
	}
	var b strings.Builder
	b.WriteString(`
		SELECT count(*), count(r.` + stamp + `)
		FROM entity_unified e
		LEFT JOIN entity_enrichments r ON r.entity_id = e.entity_id`)
	var args []any
	if len(levels) > 0 {
		b.WriteString(" WHERE e.level IN (")
		for i, lvl := range levels {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, lvl)
		}
		b.WriteString(")")
	}
	cov := PassCoverage{Pass: pass}
	err := s.db.QueryRowContext(ctx, b.String(), args...).Scan(&cov.Eligible, &cov.Enriched)
	return cov, err
}
