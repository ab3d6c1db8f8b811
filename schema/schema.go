// Package schema holds the (owner, table) -> SchemaElement mapping the
// Builder consults for row-id policy and unknown-column handling, per
// spec.md's Schema snapshot. Reads never block: Snapshot holds the
// current map behind an atomic.Pointer, and a reload stages a fresh map
// before swapping it in with a single atomic store.
package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"go.redoflow.dev/core/errs"
)

// CatalogLoader is an external collaborator that produces the current set
// of Elements from some authoritative source (a live database catalog, a
// config file, a control-plane API). Snapshot.Reload drives one against
// Stage.
type CatalogLoader interface {
	Load(ctx context.Context) ([]Element, error)
}

// Reload asks |loader| for the current element set and stages it.
// cmd/redoflow calls it once at startup.
func (s *Snapshot) Reload(ctx context.Context, loader CatalogLoader) error {
	var elements, err = loader.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading schema catalog")
	}
	return s.Stage(elements)
}

// Element describes one matched (owner, table) object.
type Element struct {
	Owner   string `json:"owner"`
	Table   string `json:"table"`
	Pattern bool   `json:"pattern"` // true if Owner/Table are regexes rather than literals.

	KeyColumns []string `json:"keyColumns"`
	RowFilter  string   `json:"rowFilter,omitempty"`
	UserTag    string   `json:"userTag,omitempty"`
	Options    uint32   `json:"options"`
}

const (
	OptionIncludeSchema uint32 = 1 << iota
	OptionExcludeUnchangedLobs
)

type compiledElement struct {
	Element
	ownerRE *regexp.Regexp
	tableRE *regexp.Regexp
}

// snapshot is the immutable map a Snapshot atomically swaps between.
type snapshot struct {
	elements     []compiledElement
	fingerprint  string
	rawForHash   []byte
}

// Snapshot is the Schema module of spec.md §3: readers consult it without
// locking; a dedicated transaction mutex guards staging a new one in.
type Snapshot struct {
	cur atomic.Pointer[snapshot]
	mu  sync.Mutex // serializes staging a new snapshot in; readers never take it.
}

// New builds an empty Snapshot. Stage must be called at least once before
// KeyColumns/Match return anything.
func New() *Snapshot {
	var s = &Snapshot{}
	s.cur.Store(&snapshot{})
	return s
}

// Stage compiles |elements| and atomically commits them as the current
// snapshot. It is the only path that can fail: a malformed regex pattern
// is a configuration error, not a runtime one.
func (s *Snapshot) Stage(elements []Element) error {
	var compiled = make([]compiledElement, 0, len(elements))
	for _, e := range elements {
		var ce = compiledElement{Element: e}
		if e.Pattern {
			var err error
			if ce.ownerRE, err = regexp.Compile(e.Owner); err != nil {
				return errs.NewConfigurationError("invalid owner pattern: "+e.Owner, err)
			}
			if ce.tableRE, err = regexp.Compile(e.Table); err != nil {
				return errs.NewConfigurationError("invalid table pattern: "+e.Table, err)
			}
		}
		compiled = append(compiled, ce)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var raw, err = canonicalJSON(elements)
	if err != nil {
		return errors.Wrap(err, "encoding schema snapshot for fingerprinting")
	}
	var next = &snapshot{
		elements:    compiled,
		rawForHash:  raw,
		fingerprint: fingerprintOf(raw),
	}
	s.cur.Store(next)
	return nil
}

// canonicalJSON sorts elements by (owner, table) before marshaling, so two
// configs differing only in declaration order fingerprint identically.
func canonicalJSON(elements []Element) ([]byte, error) {
	var sorted = append([]Element(nil), elements...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Owner != sorted[j].Owner {
			return sorted[i].Owner < sorted[j].Owner
		}
		return sorted[i].Table < sorted[j].Table
	})
	return json.Marshal(sorted)
}

func fingerprintOf(raw []byte) string {
	var sum = sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the current snapshot's sha256 hex digest, recorded
// in the Checkpoint so a restart can detect whether the schema changed
// underneath a resume position.
func (s *Snapshot) Fingerprint() string {
	return s.cur.Load().fingerprint
}

// match finds the first compiled Element whose owner/table match, in
// declaration order (earlier, more specific entries should be listed
// first by the config author; Snapshot does not itself reorder by
// specificity).
func (s *snapshot) match(owner, table string) (compiledElement, bool) {
	for _, ce := range s.elements {
		if ce.Pattern {
			if ce.ownerRE.MatchString(owner) && ce.tableRE.MatchString(table) {
				return ce, true
			}
			continue
		}
		if ce.Owner == owner && ce.Table == table {
			return ce, true
		}
	}
	return compiledElement{}, false
}

// KeyColumns implements builder.Schema.
func (s *Snapshot) KeyColumns(owner, table string) ([]string, bool) {
	var ce, ok = s.cur.Load().match(owner, table)
	if !ok {
		return nil, false
	}
	return ce.KeyColumns, true
}

// Lookup returns the full matched Element for owner.table.
func (s *Snapshot) Lookup(owner, table string) (Element, bool) {
	var ce, ok = s.cur.Load().match(owner, table)
	return ce.Element, ok
}

// Elements returns every currently staged Element.
func (s *Snapshot) Elements() []Element {
	var cur = s.cur.Load()
	var out = make([]Element, len(cur.elements))
	for i, ce := range cur.elements {
		out[i] = ce.Element
	}
	return out
}

// Users returns the distinct set of Owner values currently staged.
func (s *Snapshot) Users() map[string]struct{} {
	var cur = s.cur.Load()
	var out = make(map[string]struct{})
	for _, ce := range cur.elements {
		out[ce.Owner] = struct{}{}
	}
	return out
}
