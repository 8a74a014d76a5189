// Package predicate builds filter predicate strings that are safe to hand
// to a SQL engine. Every user-supplied literal passes two independent
// defences: whitelist validation against its grammar, then unconditional
// quote escaping. Validation alone would suffice for the current grammars,
// but escaping is applied regardless so a future widening of a grammar
// cannot silently open an injection path.
package predicate

import (
	"fmt"
	"strings"

	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Builder accumulates AND-joined predicate fragments. Multi-value filters
// become OR-joined groups wrapped in parentheses.
type Builder struct {
	clauses []string
}

// New returns an empty predicate builder.
func New() *Builder {
	return &Builder{}
}

// Scope adds a scope equality clause. The scope must match the scope
// grammar; failure aborts with ErrInvalidInput before any query is issued.
func (b *Builder) Scope(column string, scope types.Scope) error {
	if !types.IsValidScope(scope) {
		return fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, scope)
	}
	b.clauses = append(b.clauses, column+" = "+Quote(string(scope)))
	return nil
}

// Categories adds an OR-joined category membership group. Every category
// must belong to the closed set.
func (b *Builder) Categories(column string, categories []types.Category) error {
	if len(categories) == 0 {
		return nil
	}
	parts := make([]string, 0, len(categories))
	for _, c := range categories {
		if !types.IsValidCategory(c) {
			return fmt.Errorf("%w: invalid category %q", storage.ErrInvalidInput, c)
		}
		parts = append(parts, column+" = "+Quote(string(c)))
	}
	if len(parts) == 1 {
		b.clauses = append(b.clauses, parts[0])
	} else {
		b.clauses = append(b.clauses, "("+strings.Join(parts, " OR ")+")")
	}
	return nil
}

// IDs adds an OR-joined id membership group. Every id must match the
// canonical UUID grammar.
func (b *Builder) IDs(column string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if !types.IsValidID(id) {
			return fmt.Errorf("%w: invalid id %q", storage.ErrInvalidInput, id)
		}
		parts = append(parts, column+" = "+Quote(id))
	}
	if len(parts) == 1 {
		b.clauses = append(b.clauses, parts[0])
	} else {
		b.clauses = append(b.clauses, "("+strings.Join(parts, " OR ")+")")
	}
	return nil
}

// Raw appends a caller-composed clause verbatim. It exists for fragments
// with no user-supplied literal (e.g. "deleted = 0"); literals must never
// travel through it.
func (b *Builder) Raw(clause string) {
	b.clauses = append(b.clauses, clause)
}

// Empty reports whether no clause has been added.
func (b *Builder) Empty() bool {
	return len(b.clauses) == 0
}

// String joins the accumulated clauses with AND. An empty builder yields "".
func (b *Builder) String() string {
	return strings.Join(b.clauses, " AND ")
}

// Where returns the predicate prefixed with " WHERE ", or "" when empty.
func (b *Builder) Where() string {
	if b.Empty() {
		return ""
	}
	return " WHERE " + b.String()
}

// Quote wraps a literal in single quotes, doubling every single quote
// inside it. Applied unconditionally, even to values that already passed
// whitelist validation.
func Quote(literal string) string {
	return "'" + strings.ReplaceAll(literal, "'", "''") + "'"
}
