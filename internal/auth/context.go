// ABOUTME: Staff identity carried through request handlers
// ABOUTME: Provides WithStaff/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Staff is the authenticated caller of the staff API.
type Staff struct {
	Subject string
	// StoreID limits the caller to one store; empty means every store.
	StoreID string
}

// CanAccess reports whether the caller may act on storeID.
func (s *Staff) CanAccess(storeID string) bool {
	return s.StoreID == "" || s.StoreID == storeID
}

type staffContextKey struct{}

// WithStaff returns a new context with the caller attached.
func WithStaff(ctx context.Context, staff *Staff) context.Context {
	return context.WithValue(ctx, staffContextKey{}, staff)
}

// FromContext retrieves the caller, returning nil if not present.
func FromContext(ctx context.Context) *Staff {
	staff, _ := ctx.Value(staffContextKey{}).(*Staff)
	return staff
}
