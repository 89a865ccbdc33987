// Package consensuserr classifies every error the consensus core can
// produce into the categories the worker loop and RPC layer need to react
// to differently: malformed input, a rule violation, a transient storage
// hiccup, or a bug that should stop the process.
package consensuserr

import "errors"

// Category distinguishes how a caller should react to an error.
type Category int

const (
	// CategoryInvalidStructure marks a block/header/operation that fails a
	// cheap syntactic check (bad signature, wrong parent count, ...).
	// The sender is always at fault; never retried.
	CategoryInvalidStructure Category = iota
	// CategoryPolicyViolation marks a structurally sound object that still
	// breaks a consensus rule (wrong slot creator, already-seen thread
	// slot, stale period, ...). Distinct from InvalidStructure because the
	// object may be worth keeping around as attacker evidence.
	CategoryPolicyViolation
	// CategoryTransient marks a failure the caller may retry (storage
	// unavailable, dependency not yet resolved).
	CategoryTransient
	// CategoryFatalInvariant marks a violation of an internal invariant
	// that should never happen if the rest of the code is correct; the
	// process should stop rather than continue in a possibly-corrupt state.
	CategoryFatalInvariant
	// CategorySlotOverflow marks arithmetic that ran off the end of the
	// slot numbering space (models.ErrSlotOverflow and friends).
	CategorySlotOverflow
)

func (c Category) String() string {
	switch c {
	case CategoryInvalidStructure:
		return "invalid_structure"
	case CategoryPolicyViolation:
		return "policy_violation"
	case CategoryTransient:
		return "transient"
	case CategoryFatalInvariant:
		return "fatal_invariant"
	case CategorySlotOverflow:
		return "slot_overflow"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Category and, for policy
// violations, whether the object should be retained as attack evidence.
type Error struct {
	Category Category
	Evidence bool
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Category.String()
	}
	return e.Category.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause under category, with evidence=false.
func New(category Category, cause error) *Error {
	return &Error{Category: category, Cause: cause}
}

// NewEvidence wraps cause as a policy violation worth retaining as
// attack evidence (spec.md's "notify_block_attack" path).
func NewEvidence(cause error) *Error {
	return &Error{Category: CategoryPolicyViolation, Evidence: true, Cause: cause}
}

// As reports whether err (or something it wraps) is a *Error, and returns it.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CategoryOf returns the Category of err if it is (or wraps) a *Error, or
// CategoryFatalInvariant otherwise: an un-annotated error is treated as
// the most conservative case.
func CategoryOf(err error) Category {
	if ce, ok := As(err); ok {
		return ce.Category
	}
	return CategoryFatalInvariant
}

// ErrNotFound is returned by storage lookups (archive, roll ledger) for a
// key that does not exist. Not itself wrapped in Error: "not found" is a
// normal, expected outcome callers check for directly.
var ErrNotFound = errors.New("consensuserr: not found")
