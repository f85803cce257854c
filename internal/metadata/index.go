package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/metrics"
)

// PrimaryIndexName is the reserved primary index name. InfoToName never
// produces it.
const PrimaryIndexName = db.PrimaryIndex

const (
	namePrefix  = "fz_"
	geoMarker   = "geo_"
	multiMarker = "multi"
)

// Info is the structural identity of a secondary index.
type Info struct {
	Fields []string
	Geo    bool
	Multi  *int // position of the multi-valued field, nil for none
}

// InfoToName derives the canonical index name. The mapping is pure and
// reversible, so equal field lists always name the same index.
//
//	{fields: [a b]}            -> fz_["a","b"]
//	{fields: [loc], geo: true} -> fz_geo_["loc"]
func InfoToName(info Info) string {
	var b strings.Builder
	b.WriteString(namePrefix)
	if info.Geo {
		b.WriteString(geoMarker)
	}
	if info.Multi != nil {
		b.WriteString(multiMarker)
		b.WriteString(strconv.Itoa(*info.Multi))
		b.WriteByte('_')
	}
	fields := info.Fields
	if fields == nil {
		fields = []string{}
	}
	raw, _ := json.Marshal(fields) //nolint:errchkjson // []string always marshals
	b.Write(raw)
	return b.String()
}

// NameToInfo parses a name produced by InfoToName.
func NameToInfo(name string) (Info, error) {
	rest, ok := strings.CutPrefix(name, namePrefix)
	if !ok {
		return Info{}, fmt.Errorf("unrecognized index name %q", name)
	}
	var info Info
	if r, ok := strings.CutPrefix(rest, geoMarker); ok {
		info.Geo = true
		rest = r
	}
	if r, ok := strings.CutPrefix(rest, multiMarker); ok {
		pos, tail, found := strings.Cut(r, "_")
		n, err := strconv.Atoi(pos)
		if !found || err != nil {
			return Info{}, fmt.Errorf("malformed multi marker in index name %q", name)
		}
		info.Multi = &n
		rest = tail
	}
	if err := json.Unmarshal([]byte(rest), &info.Fields); err != nil {
		return Info{}, fmt.Errorf("malformed field list in index name %q: %w", name, err)
	}
	if len(info.Fields) == 0 {
		return Info{}, fmt.Errorf("index name %q has no fields", name)
	}
	return info, nil
}

// indexWaiter is the consumer interface an Index needs.
type indexWaiter interface {
	WaitIndex(ctx context.Context, table, name string) error
}

// Index is one primary or secondary index of a table with asynchronous
// readiness tracking.
type Index struct {
	name    string
	table   string
	fields  []string
	primary bool

	store  indexWaiter
	logger *zap.Logger
	ready  readiness
	cancel context.CancelFunc
}

func newIndex(name, table string, store indexWaiter, logger *zap.Logger) (*Index, error) {
	idx := &Index{
		name:   name,
		table:  table,
		store:  store,
		logger: logger.With(zap.String("index", name)),
		cancel: func() {},
	}
	if name == PrimaryIndexName {
		idx.primary = true
		idx.fields = []string{domain.PrimaryKey}
		return idx, nil
	}
	info, err := NameToInfo(name)
	if err != nil {
		return nil, err
	}
	if info.Geo || info.Multi != nil {
		return nil, fmt.Errorf("index %q: geo and multi indexes: %w", name, domain.ErrNotImplemented)
	}
	idx.fields = info.Fields
	return idx, nil
}

// start begins the readiness check without blocking.
func (i *Index) start() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	metrics.SetIndexState(i.table, i.name, metrics.StatePending)

	go func() {
		err := i.store.WaitIndex(ctx, i.table, i.name)
		if ctx.Err() != nil {
			return // closed; close() already resolved
		}
		if !i.ready.resolve(err) {
			return
		}
		if err != nil {
			metrics.SetIndexState(i.table, i.name, metrics.StateFailed)
			i.logger.Warn("index failed", zap.Error(err))
			return
		}
		metrics.SetIndexState(i.table, i.name, metrics.StateReady)
		i.logger.Debug("index ready")
	}()
}

// close fails pending waiters and stops the readiness check.
func (i *Index) close() {
	i.ready.resolve(domain.NewLifecycleError("index deleted"))
	i.cancel()
	metrics.DeleteIndexState(i.table, i.name)
}

// Name returns the canonical index name.
func (i *Index) Name() string { return i.name }

// Fields returns the indexed fields in index order.
func (i *Index) Fields() []string { return slices.Clone(i.fields) }

// IsPrimary reports whether this is the table's primary key index.
func (i *Index) IsPrimary() bool { return i.primary }

// Ready reports whether the index can serve queries.
func (i *Index) Ready() bool {
	s, _ := i.ready.current()
	return s == Ready
}

// State returns the readiness state and the failure, if any.
func (i *Index) State() (State, error) { return i.ready.current() }

// OnReady invokes fn once the index resolves; immediately if it already has.
func (i *Index) OnReady(fn func(error)) { i.ready.onReady(fn) }

// Wait blocks until the index resolves or ctx ends.
func (i *Index) Wait(ctx context.Context) error { return i.ready.wait(ctx) }

// IsMatch reports whether the index can serve equality on fuzzy and
// range/order on ordered. The first len(fuzzy) index fields must be exactly
// the fuzzy set in any order, immediately followed by ordered in order.
// Trailing index fields are allowed. The empty request matches only the
// primary index.
func (i *Index) IsMatch(fuzzy, ordered []string) bool {
	n := len(fuzzy) + len(ordered)
	if n == 0 {
		return i.primary
	}
	if n > len(i.fields) {
		return false
	}
	head := i.fields[:len(fuzzy)]
	for _, f := range fuzzy {
		if !slices.Contains(head, f) {
			return false
		}
	}
	if hasDuplicates(fuzzy) {
		return false
	}
	for j, f := range ordered {
		if i.fields[len(fuzzy)+j] != f {
			return false
		}
	}
	return true
}

func hasDuplicates(fields []string) bool {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			return true
		}
		seen[f] = struct{}{}
	}
	return false
}
