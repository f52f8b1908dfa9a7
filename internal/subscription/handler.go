package subscription

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/viimlabs/viim-gateway/internal/auth"
)

// Stripe caps webhook payloads well below this; anything larger is not
// a legitimate event.
const maxWebhookBody = 65536

// Handler projects Stripe checkout and lifecycle events into the
// internal subscription snapshot. It is the only code that speaks
// Stripe vocabulary; everything downstream sees Plan/Status only.
type Handler struct {
	store         Store
	prices        PriceTable
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewHandler(store Store, prices PriceTable, secretKey, webhookSecret, successURL, cancelURL string) *Handler {
	stripe.Key = secretKey
	return &Handler{
		store:         store,
		prices:        prices,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

type checkoutRequest struct {
	PlanID string `json:"plan_id"`
}

// HandleCreateCheckoutSession starts a subscription checkout for a
// paid plan. The user and plan ride along as metadata on both the
// session and the subscription so webhooks can project them back.
func (h *Handler) HandleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	plan, ok := ParsePlan(req.PlanID)
	if !ok || plan == PlanFree {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "paid plan_id required"})
		return
	}

	priceID := h.prices.PriceIDForPlan(plan)
	if priceID == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no price configured for plan"})
		return
	}

	metadata := map[string]string{
		"userId": userID,
		"planId": string(plan),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(h.successURL),
		CancelURL:  stripe.String(h.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Metadata = metadata

	sess, err := session.New(params)
	if err != nil {
		log.Printf("subscription: create checkout session for user %s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create checkout session"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": sess.URL})
}

// HandleCheckoutSession verifies a finished checkout session and
// projects its subscription snapshot. The webhook usually lands first;
// this path just makes the redirect deterministic.
func (h *Handler) HandleCheckoutSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("subscription")
	sess, err := session.Get(sessionID, params)
	if err != nil {
		log.Printf("subscription: verify checkout session %s: %v", sessionID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unable to verify session"})
		return
	}

	userID := sess.Metadata["userId"]
	plan, havePlan := ParsePlan(sess.Metadata["planId"])

	status := StatusIncomplete
	var priceID string
	var currentPeriodEnd *time.Time
	var subscriptionID string
	if sub := sess.Subscription; sub != nil {
		status = StatusFromStripe(string(sub.Status))
		subscriptionID = sub.ID
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			priceID = sub.Items.Data[0].Price.ID
		}
		currentPeriodEnd = unixToTime(sub.CurrentPeriodEnd)
	}
	if !havePlan {
		plan, havePlan = h.prices.PlanFromPriceID(priceID)
	}

	if userID != "" && havePlan {
		upsert := &Upsert{
			UserID:            userID,
			PlanID:            plan,
			Status:            status,
			PriceID:           priceID,
			CurrentPeriodEnd:  currentPeriodEnd,
			CustomerID:        customerID(sess.Customer),
			SubscriptionID:    subscriptionID,
			CheckoutSessionID: sess.ID,
		}
		if err := h.store.Upsert(r.Context(), upsert); err != nil {
			log.Printf("subscription: upsert from checkout session %s: %v", sessionID, err)
		}
	}

	resp := map[string]any{
		"status":              string(sess.PaymentStatus),
		"subscription_status": string(status),
		"plan":                nil,
	}
	if havePlan {
		resp["plan"] = string(plan)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleWebhook receives Stripe lifecycle events. Projection failures
// are logged and acknowledged anyway: Stripe will redeliver the final
// state, and retry storms over a transient store error are just noise.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		log.Printf("subscription: webhook signature verification failed: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			log.Printf("subscription: decode checkout.session.completed: %v", err)
			break
		}
		h.projectCheckoutCompleted(r, &sess)

	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			log.Printf("subscription: decode %s: %v", event.Type, err)
			break
		}
		h.projectSubscriptionEvent(r, &sub)

	default:
		// Not a subscription lifecycle event; acknowledge and move on.
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) projectCheckoutCompleted(r *http.Request, sess *stripe.CheckoutSession) {
	userID := sess.Metadata["userId"]
	plan, ok := ParsePlan(sess.Metadata["planId"])
	if userID == "" || !ok {
		return
	}

	var subscriptionID string
	if sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
	}
	upsert := &Upsert{
		UserID:            userID,
		PlanID:            plan,
		Status:            StatusActive,
		PriceID:           h.prices.PriceIDForPlan(plan),
		CustomerID:        customerID(sess.Customer),
		SubscriptionID:    subscriptionID,
		CheckoutSessionID: sess.ID,
	}
	if err := h.store.Upsert(r.Context(), upsert); err != nil {
		log.Printf("subscription: upsert from checkout completion for user %s: %v", userID, err)
	}
}

func (h *Handler) projectSubscriptionEvent(r *http.Request, sub *stripe.Subscription) {
	userID := sub.Metadata["userId"]
	if userID == "" {
		return
	}

	var priceID string
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}

	// Metadata plan wins; the price lookup covers events created
	// outside our checkout flow.
	plan, ok := ParsePlan(sub.Metadata["planId"])
	if !ok {
		if plan, ok = h.prices.PlanFromPriceID(priceID); !ok {
			return
		}
	}

	upsert := &Upsert{
		UserID:           userID,
		PlanID:           plan,
		Status:           StatusFromStripe(string(sub.Status)),
		PriceID:          priceID,
		CurrentPeriodEnd: unixToTime(sub.CurrentPeriodEnd),
		CustomerID:       customerID(sub.Customer),
		SubscriptionID:   sub.ID,
	}
	if err := h.store.Upsert(r.Context(), upsert); err != nil {
		log.Printf("subscription: upsert from lifecycle event for user %s: %v", userID, err)
	}
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixToTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
