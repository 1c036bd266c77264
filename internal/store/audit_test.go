// ABOUTME: Tests for staff audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Actor:      "kitchen",
		StoreID:    "store-1",
		Action:     AuditTransitionStage,
		TargetType: "order",
		TargetID:   "order-1",
		Detail:     map[string]any{"from": "QUEUE", "to": "PREPARATION"},
	}
	require.NoError(t, store.AppendAuditLog(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "store-1", entries[0].StoreID)
	assert.Equal(t, "PREPARATION", entries[0].Detail["to"])
}

func TestAuditStore_List_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, action := range []AuditAction{AuditConfirmPayment, AuditTransitionStage, AuditCancelOrder} {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			Actor:      "kitchen",
			StoreID:    "store-1",
			Action:     action,
			TargetType: "order",
			TargetID:   fmt.Sprintf("order-%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditCancelOrder, entries[0].Action)
	assert.Equal(t, AuditConfirmPayment, entries[2].Action)
}

func TestAuditStore_List_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	seed := []AuditEntry{
		{Actor: "kitchen", StoreID: "store-1", Action: AuditTransitionStage, TargetID: "order-1"},
		{Actor: "manager", StoreID: "store-1", Action: AuditCancelOrder, TargetID: "order-1"},
		{Actor: "kitchen", StoreID: "store-2", Action: AuditTransitionStage, TargetID: "order-2"},
		{Actor: "manager", Action: AuditReloadCatalog, TargetType: "catalog", TargetID: "catalog"},
	}
	for i := range seed {
		e := seed[i]
		if e.TargetType == "" {
			e.TargetType = "order"
		}
		e.Timestamp = base.Add(time.Duration(i) * 10 * time.Minute)
		require.NoError(t, store.AppendAuditLog(ctx, &e))
	}

	storeID := "store-1"
	actor := "kitchen"
	action := AuditTransitionStage
	target := "order-1"
	since := base.Add(15 * time.Minute)

	tests := []struct {
		name   string
		filter AuditFilter
		want   int
	}{
		{"by store", AuditFilter{StoreID: &storeID}, 2},
		{"by actor", AuditFilter{Actor: &actor}, 2},
		{"by action", AuditFilter{Action: &action}, 2},
		{"by target", AuditFilter{TargetID: &target}, 2},
		{"since", AuditFilter{Since: &since}, 2},
		{"store and actor", AuditFilter{StoreID: &storeID, Actor: &actor}, 1},
		{"limit", AuditFilter{Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.ListAuditLog(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestAuditStore_List_EmptyIsNotNil(t *testing.T) {
	store := setupTestStore(t)

	entries, err := store.ListAuditLog(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
	assert.Equal(t, 25, normalizeAuditLimit(25))
}
