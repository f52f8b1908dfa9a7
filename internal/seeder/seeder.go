package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/viimlabs/viim-gateway/internal/auth"
	"github.com/viimlabs/viim-gateway/internal/subscription"
)

const (
	TestAPIKey = "test-api-key-12345"
	TestUserID = "00000000-0000-0000-0000-000000000001"
)

func SeedTestAPIKey(ctx context.Context, store auth.Store) {
	h := sha256.New()
	h.Write([]byte(TestAPIKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	apiKey := &auth.APIKey{
		UserID:    TestUserID,
		KeyHash:   keyHash,
		RateLimit: 1000000,
		Active:    true,
	}

	err := store.Create(ctx, apiKey)
	if err != nil {
		log.Printf("[Seeder] API key may already exist, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Test API key created successfully")
	log.Printf("[Seeder] Key: %s", TestAPIKey)
	log.Printf("[Seeder] UserID: %s", TestUserID)
}

// SeedTestSubscription puts the test user on an active plus plan so
// local runs exercise the paid limit path.
func SeedTestSubscription(ctx context.Context, store subscription.Store) {
	err := store.Upsert(ctx, &subscription.Upsert{
		UserID: TestUserID,
		PlanID: subscription.PlanPlus,
		Status: subscription.StatusActive,
	})
	if err != nil {
		log.Printf("[Seeder] Failed to seed subscription: %v", err)
		return
	}
	log.Printf("[Seeder] Test subscription created for user %s", TestUserID)
}
