package authz

import (
	"fmt"
	"strings"
	"sync/atomic"

	"parcela.org/internal/errs"
)

var denialHook atomic.Pointer[func(permission string)]

// OnDenied registers fn to observe every forbidden check, labelled with the
// required pairs. Passing nil removes the hook.
func OnDenied(fn func(permission string)) {
	if fn == nil {
		denialHook.Store(nil)
		return
	}
	denialHook.Store(&fn)
}

// Require fails with ErrUnauthorized for an anonymous principal and
// ErrForbidden when the pair is not held. The missing pair is not named.
func Require(p Principal, pair Pair) error {
	return check(p, p.Has(pair), pair)
}

// RequireAny passes when at least one pair is held.
func RequireAny(p Principal, pairs ...Pair) error {
	return check(p, p.HasAnyPermission(pairs...), pairs...)
}

// RequireAll passes when every pair is held.
func RequireAll(p Principal, pairs ...Pair) error {
	return check(p, p.HasAllPermissions(pairs...), pairs...)
}

func check(p Principal, ok bool, pairs ...Pair) error {
	if !p.Authenticated() {
		return errs.ErrUnauthorized
	}
	if !ok {
		if fn := denialHook.Load(); fn != nil {
			(*fn)(label(pairs))
		}
		return fmt.Errorf("%w: not permitted", errs.ErrForbidden)
	}
	return nil
}

func label(pairs []Pair) string {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
