package subscription

import (
	"context"
	"testing"
	"time"
)

func TestParsePlan(t *testing.T) {
	for _, s := range []string{"free", "plus", "super", "family"} {
		if _, ok := ParsePlan(s); !ok {
			t.Errorf("Expected %q to parse", s)
		}
	}
	if _, ok := ParsePlan("enterprise"); ok {
		t.Error("Expected unknown plan to be rejected")
	}
}

func TestStatusFromStripe_KnownStatuses(t *testing.T) {
	known := []string{"active", "trialing", "past_due", "canceled", "incomplete", "incomplete_expired", "unpaid"}
	for _, s := range known {
		if got := StatusFromStripe(s); string(got) != s {
			t.Errorf("Expected %q to map to itself, got %q", s, got)
		}
	}
}

func TestStatusFromStripe_UnknownDegradesToIncomplete(t *testing.T) {
	for _, s := range []string{"paused", "something_new", ""} {
		if got := StatusFromStripe(s); got != StatusIncomplete {
			t.Errorf("Expected %q to degrade to incomplete, got %q", s, got)
		}
	}
}

func TestStatusEntitled(t *testing.T) {
	entitled := map[Status]bool{
		StatusActive:            true,
		StatusTrialing:          true,
		StatusPastDue:           false,
		StatusCanceled:          false,
		StatusIncomplete:        false,
		StatusIncompleteExpired: false,
		StatusUnpaid:            false,
	}
	for status, want := range entitled {
		if got := status.Entitled(); got != want {
			t.Errorf("Entitled(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestPriceTable_RoundTrip(t *testing.T) {
	table := PriceTable{Plus: "price_plus", Super: "price_super", Family: "price_family"}

	for _, plan := range []Plan{PlanPlus, PlanSuper, PlanFamily} {
		priceID := table.PriceIDForPlan(plan)
		if priceID == "" {
			t.Fatalf("Expected price id for %s", plan)
		}
		got, ok := table.PlanFromPriceID(priceID)
		if !ok || got != plan {
			t.Errorf("Round trip for %s failed, got %s (ok=%v)", plan, got, ok)
		}
	}

	if table.PriceIDForPlan(PlanFree) != "" {
		t.Error("Free plan should have no price id")
	}
	if _, ok := table.PlanFromPriceID("price_unknown"); ok {
		t.Error("Unknown price id should not resolve")
	}
	if _, ok := table.PlanFromPriceID(""); ok {
		t.Error("Empty price id should not resolve")
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "user-1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpsertMergesSparseFields(t *testing.T) {
	store := NewMemoryStore()
	periodEnd := time.Now().Add(30 * 24 * time.Hour)

	// Full write from a lifecycle event.
	err := store.Upsert(context.Background(), &Upsert{
		UserID:           "user-1",
		PlanID:           PlanPlus,
		Status:           StatusActive,
		PriceID:          "price_plus",
		CurrentPeriodEnd: &periodEnd,
		CustomerID:       "cus_123",
		SubscriptionID:   "sub_123",
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Sparse write, as from a checkout completion that lacks period end.
	err = store.Upsert(context.Background(), &Upsert{
		UserID:            "user-1",
		PlanID:            PlanPlus,
		Status:            StatusActive,
		CheckoutSessionID: "cs_456",
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	sub, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sub.PriceID != "price_plus" {
		t.Errorf("Sparse upsert should not clear price id, got %q", sub.PriceID)
	}
	if sub.CustomerID != "cus_123" {
		t.Errorf("Sparse upsert should not clear customer id, got %q", sub.CustomerID)
	}
	if sub.CurrentPeriodEnd == nil {
		t.Error("Sparse upsert should not clear period end")
	}
	if sub.CheckoutSessionID != "cs_456" {
		t.Errorf("Expected checkout session id to be recorded, got %q", sub.CheckoutSessionID)
	}
}

func TestMemoryStore_UpsertLastWriteWinsOnStatus(t *testing.T) {
	store := NewMemoryStore()

	_ = store.Upsert(context.Background(), &Upsert{UserID: "user-1", PlanID: PlanPlus, Status: StatusActive})
	_ = store.Upsert(context.Background(), &Upsert{UserID: "user-1", PlanID: PlanPlus, Status: StatusCanceled})

	sub, _ := store.Get(context.Background(), "user-1")
	if sub.Status != StatusCanceled {
		t.Errorf("Expected canceled after second write, got %s", sub.Status)
	}
}
