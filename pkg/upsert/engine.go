// Package upsert maps a city detail record onto the relational schema with
// idempotent, update-on-change writes.
package upsert

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/observability"
	"github.com/otherjamesbrown/nls/pkg/records"
	"github.com/otherjamesbrown/nls/pkg/store"
)

// Pros and cons share one table, told apart by kind.
const (
	KindPro = "P"
	KindCon = "C"
)

// Options configures an Engine.
type Options struct {
	// AtomicRecords runs every record's writes in one transaction. When false each
	// statement commits on its own and a failure leaves the record partially written.
	AtomicRecords bool

	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{AtomicRecords: true}
}

type attrKey struct {
	categoryID int64
	name       string
}

// Engine persists detail records through a store.Store. It assumes it is the only
// writer: the select-then-branch upsert is not atomic against other processes.
type Engine struct {
	store   store.Store
	atomic  bool
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu         sync.Mutex
	categories map[string]int64
	attributes map[attrKey]int64
}

// New creates an engine writing to s.
func New(s store.Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NewTracer()
	}
	return &Engine{
		store:      s,
		atomic:     opts.AtomicRecords,
		logger:     opts.Logger.With(logging.F("component", "upsert"), logging.F("store", s.Driver())),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		categories: make(map[string]int64),
		attributes: make(map[attrKey]int64),
	}
}

// Persist writes every row derived from d. Errors are *pferrors.PipelineError with
// code validation, persistence or fatal_storage.
func (e *Engine) Persist(ctx context.Context, d *records.Detail) error {
	start := time.Now()
	if d == nil {
		err := pferrors.New(pferrors.ErrInvalidRecord, pferrors.StagePersist, "",
			fmt.Errorf("nil record: %w", pferrors.ErrValidation))
		e.metrics.RecordPersist(observability.PersistStatusFailed, 0)
		return err
	}

	rec := *d
	rec.Normalize()

	ctx, span := e.tracer.StartPersistSpan(ctx, rec.Name)
	defer span.End()
	sh := observability.NewSpanHelper(span)

	err := e.persist(ctx, &rec)
	elapsed := time.Since(start)
	if err != nil {
		pe := pferrors.ClassifyError(err, pferrors.StagePersist)
		if pe.Entity == "" {
			pe.Entity = rec.Name
		}
		status := observability.PersistStatusFailed
		if pferrors.IsFatal(pe) {
			status = observability.PersistStatusFatal
		}
		e.metrics.RecordPersist(status, elapsed.Seconds())
		sh.SetError(pe, string(pe.Code), pferrors.IsRetryable(pe.Code))
		return pe
	}

	e.metrics.RecordPersist(observability.PersistStatusOK, elapsed.Seconds())
	sh.SetSuccess()
	e.logger.Debug("Record persisted",
		logging.F("city", rec.Name),
		logging.F("duration_ms", elapsed.Milliseconds()))
	return nil
}

func (e *Engine) persist(ctx context.Context, rec *records.Detail) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	w := &recordWriter{
		engine:     e,
		categories: make(map[string]int64),
		attributes: make(map[attrKey]int64),
	}

	if e.atomic {
		err := e.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
			w.q = q
			return w.write(ctx, rec)
		})
		if err != nil {
			return err
		}
	} else {
		w.q = e.store
		if err := w.write(ctx, rec); err != nil {
			return err
		}
	}

	// Ids learned inside a rolled back transaction may not exist, so the shared
	// cache only takes them once the record is durable.
	e.mu.Lock()
	for k, v := range w.categories {
		e.categories[k] = v
	}
	for k, v := range w.attributes {
		e.attributes[k] = v
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) cachedCategory(name string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.categories[name]
	return id, ok
}

func (e *Engine) cachedAttribute(k attrKey) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.attributes[k]
	return id, ok
}

// recordWriter carries the querier and the ids discovered while writing one record.
type recordWriter struct {
	engine     *Engine
	q          store.Querier
	categories map[string]int64
	attributes map[attrKey]int64
}

func (w *recordWriter) write(ctx context.Context, rec *records.Detail) error {
	regionID, err := UpsertAndGetID(ctx, w.q, store.TableRegions,
		store.Columns{store.Col("name", rec.Region)}, "name")
	if err != nil {
		return fmt.Errorf("region %q: %w", rec.Region, err)
	}

	countryID, err := UpsertAndGetID(ctx, w.q, store.TableCountries, store.Columns{
		store.Col("name", rec.Country),
		store.Col("region_id", regionID),
	}, "name")
	if err != nil {
		return fmt.Errorf("country %q: %w", rec.Country, err)
	}

	cityID, err := UpsertAndGetID(ctx, w.q, store.TableCities, store.Columns{
		store.Col("name", rec.Name),
		store.Col("city_rank", nullableRank(rec.Rank)),
		store.Col("country_id", countryID),
	}, "name")
	if err != nil {
		return fmt.Errorf("city %q: %w", rec.Name, err)
	}

	for _, cat := range rec.Categories() {
		if err := w.writeCategory(ctx, cityID, cat); err != nil {
			return err
		}
	}

	if err := w.insertChildren(ctx, store.TablePhotos, []string{"city_id", "src"}, cityID, rec.Photos); err != nil {
		return err
	}
	if err := w.writeProsAndCons(ctx, cityID, rec.Pros, rec.Cons); err != nil {
		return err
	}
	if err := w.insertChildren(ctx, store.TableReviews, []string{"city_id", "description"}, cityID, rec.Reviews); err != nil {
		return err
	}
	if err := w.writeWeather(ctx, cityID, rec.Weather); err != nil {
		return err
	}
	return w.writeRelationships(ctx, cityID, rec.Related)
}

func (w *recordWriter) writeCategory(ctx context.Context, cityID int64, cat records.NamedCategory) error {
	names := sortedKeys(cat.Attributes)
	ids, err := w.attributeIDs(ctx, cat.Name, names)
	if err != nil {
		return err
	}

	rows := make([][]any, 0, len(names))
	for _, name := range names {
		v := cat.Attributes[name]
		var url any
		if v.URL != nil && *v.URL != "" {
			url = *v.URL
		}
		rows = append(rows, []any{
			cityID, ids[name], v.Value, NumericValue(v.Value), nullable(v.Description), url,
		})
	}

	n, err := w.q.UpsertRows(ctx, store.UpsertSpec{
		Table:    store.TableCityAttributes,
		Columns:  []string{"city_id", "attribute_id", "attribute_value", "numeric_value", "description", "url"},
		Conflict: []string{"city_id", "attribute_id"},
		Touch:    "updated_at",
	}, rows)
	if err != nil {
		return fmt.Errorf("%s attributes: %w", cat.Name, err)
	}
	w.engine.logger.Debug("Category written",
		logging.F("category", cat.Name),
		logging.F("attributes", len(rows)),
		logging.F("changed", n))
	return nil
}

func (w *recordWriter) writeWeather(ctx context.Context, cityID int64, weather records.MonthlySeries) error {
	if len(weather) == 0 {
		return nil
	}
	names := make([]string, 0, len(weather))
	for name := range weather {
		names = append(names, name)
	}
	sort.Strings(names)

	ids, err := w.attributeIDs(ctx, records.CategoryWeather, names)
	if err != nil {
		return err
	}

	var rows [][]any
	for _, name := range names {
		for i, mv := range weather[name] {
			rows = append(rows, []any{cityID, ids[name], i + 1, mv.Value, nullable(mv.Description)})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	if _, err := w.q.UpsertRows(ctx, store.UpsertSpec{
		Table:    store.TableCityMonthly,
		Columns:  []string{"city_id", "attribute_id", "month_number", "attribute_value", "description"},
		Conflict: []string{"city_id", "attribute_id", "month_number"},
		Touch:    "updated_at",
	}, rows); err != nil {
		return fmt.Errorf("weather: %w", err)
	}
	return nil
}

func (w *recordWriter) insertChildren(ctx context.Context, table string, columns []string, cityID int64, values []string) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([][]any, len(values))
	for i, v := range values {
		rows[i] = []any{cityID, v}
	}
	if _, err := w.q.InsertIgnore(ctx, table, columns, rows); err != nil {
		return fmt.Errorf("%s: %w", table, err)
	}
	return nil
}

func (w *recordWriter) writeProsAndCons(ctx context.Context, cityID int64, pros, cons []string) error {
	rows := make([][]any, 0, len(pros)+len(cons))
	for _, p := range pros {
		rows = append(rows, []any{cityID, p, KindPro})
	}
	for _, c := range cons {
		rows = append(rows, []any{cityID, c, KindCon})
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := w.q.InsertIgnore(ctx, store.TableProsAndCons, []string{"city_id", "description", "kind"}, rows); err != nil {
		return fmt.Errorf("%s: %w", store.TableProsAndCons, err)
	}
	return nil
}

func (w *recordWriter) writeRelationships(ctx context.Context, cityID int64, related records.Related) error {
	names := related.Names()
	if len(names) == 0 {
		return nil
	}

	bare := make([][]any, len(names))
	for i, n := range names {
		bare[i] = []any{n}
	}
	if _, err := w.q.InsertIgnore(ctx, store.TableCities, []string{"name"}, bare); err != nil {
		return fmt.Errorf("related cities: %w", err)
	}

	ids, err := w.q.IDsByName(ctx, store.TableCities, names, nil)
	if err != nil {
		return fmt.Errorf("related cities: %w", err)
	}

	var edges [][]any
	for _, relType := range []string{records.RelationNear, records.RelationNext, records.RelationSimilar} {
		for _, name := range related.ByType()[relType] {
			target, ok := ids[records.NormalizeName(name)]
			if !ok {
				return fmt.Errorf("related city %q has no row", name)
			}
			edges = append(edges, []any{cityID, target, relType})
		}
	}
	if len(edges) == 0 {
		return nil
	}
	if _, err := w.q.InsertIgnore(ctx, store.TableRelationships,
		[]string{"city_id", "related_city_id", "relation_type"}, edges); err != nil {
		return fmt.Errorf("%s: %w", store.TableRelationships, err)
	}
	return nil
}

// attributeIDs resolves the category and the ids of its named attributes, creating
// whichever rows are missing.
func (w *recordWriter) attributeIDs(ctx context.Context, category string, names []string) (map[string]int64, error) {
	catID, err := w.categoryID(ctx, category)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]int64, len(names))
	var missing []string
	for _, n := range names {
		k := attrKey{catID, n}
		if id, ok := w.attributes[k]; ok {
			ids[n] = id
			continue
		}
		if id, ok := w.engine.cachedAttribute(k); ok {
			ids[n] = id
			continue
		}
		missing = append(missing, n)
	}
	if len(missing) == 0 {
		return ids, nil
	}

	rows := make([][]any, len(missing))
	for i, n := range missing {
		rows[i] = []any{n, catID}
	}
	if _, err := w.q.InsertIgnore(ctx, store.TableAttributes, []string{"name", "category_id"}, rows); err != nil {
		return nil, fmt.Errorf("%s attribute names: %w", category, err)
	}
	found, err := w.q.IDsByName(ctx, store.TableAttributes, missing, store.Columns{store.Col("category_id", catID)})
	if err != nil {
		return nil, fmt.Errorf("%s attribute ids: %w", category, err)
	}
	for _, n := range missing {
		id, ok := found[n]
		if !ok {
			return nil, fmt.Errorf("%s attribute %q has no row", category, n)
		}
		ids[n] = id
		w.attributes[attrKey{catID, n}] = id
	}
	return ids, nil
}

func (w *recordWriter) categoryID(ctx context.Context, name string) (int64, error) {
	if id, ok := w.categories[name]; ok {
		return id, nil
	}
	if id, ok := w.engine.cachedCategory(name); ok {
		return id, nil
	}
	id, err := UpsertAndGetID(ctx, w.q, store.TableCategories, store.Columns{store.Col("name", name)}, "name")
	if err != nil {
		return 0, fmt.Errorf("category %q: %w", name, err)
	}
	w.categories[name] = id
	return id, nil
}

// UpsertAndGetID returns the id of the row of table whose key columns match values,
// inserting it when absent and rewriting it when any provided value differs.
func UpsertAndGetID(ctx context.Context, q store.Querier, table string, values store.Columns, key ...string) (int64, error) {
	keyCols := make(store.Columns, 0, len(key))
	for _, k := range key {
		v, ok := values.Get(k)
		if !ok {
			return 0, fmt.Errorf("upsert %s: key column %q not among values", table, k)
		}
		keyCols = append(keyCols, store.Col(k, v))
	}

	id, current, err := q.FindByKey(ctx, table, keyCols, values.Names())
	if pferrors.IsNotFound(err) {
		return q.Insert(ctx, table, values)
	}
	if err != nil {
		return 0, err
	}

	for i, c := range values {
		if !store.Equal(current[i], c.Value) {
			if err := q.UpdateByID(ctx, table, id, values); err != nil {
				return 0, err
			}
			break
		}
	}
	return id, nil
}

// NumericValue parses the leading number of an attribute value ("4.5", "$1,234 / mo",
// "87%"), or returns nil when it has none.
func NumericValue(s string) any {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£")
	end := 0
	seenDigit := false
scan:
	for ; end < len(s); end++ {
		c := s[end]
		switch {
		case c >= '0' && c <= '9':
			seenDigit = true
		case c == '.' || c == ',':
		case (c == '-' || c == '+') && end == 0:
		default:
			break scan
		}
	}
	if !seenDigit {
		return nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s[:end], ",", ""), 64)
	if err != nil {
		return nil
	}
	return f
}

func nullableRank(rank int) any {
	if rank <= 0 {
		return nil
	}
	return int64(rank)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sortedKeys(c records.Category) []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
