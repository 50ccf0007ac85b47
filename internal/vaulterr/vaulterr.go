// Package vaulterr defines the failure taxonomy shared by every custody
// component. Each error carries the operation, its kind and the numeric inputs
// that caused it so an auditor can reproduce the rejection.
package vaulterr

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Kind classifies a failure. Every kind is fatal to the call that produced it.
type Kind string

const (
	KindUnauthorized          Kind = "Unauthorized"
	KindInvalidAmount         Kind = "InvalidAmount"
	KindBoundsViolation       Kind = "BoundsViolation"
	KindInsufficientAssets    Kind = "InsufficientAssets"
	KindInsufficientShares    Kind = "InsufficientShares"
	KindSwapFailed            Kind = "SwapFailed"
	KindAllocationAlreadyOpen Kind = "AllocationAlreadyOpen"
	KindAllocationNotOpen     Kind = "AllocationNotOpen"
	KindInvalidConfig         Kind = "InvalidConfig"
	KindInvalidPhase          Kind = "InvalidPhase"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrInvalidAmount         = &Error{Kind: KindInvalidAmount}
	ErrBoundsViolation       = &Error{Kind: KindBoundsViolation}
	ErrInsufficientAssets    = &Error{Kind: KindInsufficientAssets}
	ErrInsufficientShares    = &Error{Kind: KindInsufficientShares}
	ErrSwapFailed            = &Error{Kind: KindSwapFailed}
	ErrAllocationAlreadyOpen = &Error{Kind: KindAllocationAlreadyOpen}
	ErrAllocationNotOpen     = &Error{Kind: KindAllocationNotOpen}
	ErrInvalidConfig         = &Error{Kind: KindInvalidConfig}
	ErrInvalidPhase          = &Error{Kind: KindInvalidPhase}
)

// Error is a classified failure of a custody operation.
type Error struct {
	Op     string
	Kind   Kind
	Inputs map[string]string
	Err    error
}

// New builds an error for op. kv is a flat list of key/value pairs; values are
// rendered with fmt, *big.Int in base-10.
func New(op string, kind Kind, kv ...any) *Error {
	e := &Error{Op: op, Kind: kind}
	if len(kv) > 0 {
		e.Inputs = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Inputs[fmt.Sprint(kv[i])] = render(kv[i+1])
		}
	}
	return e
}

// Wrap is New with an underlying cause.
func Wrap(op string, kind Kind, cause error, kv ...any) *Error {
	e := New(op, kind, kv...)
	e.Err = cause
	return e
}

func render(v any) string {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return "<nil>"
		}
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if len(e.Inputs) > 0 {
		keys := make([]string, 0, len(e.Inputs))
		for k := range e.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Inputs[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a vaulterr error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
