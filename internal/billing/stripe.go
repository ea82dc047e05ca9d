// Package billing integrates with Stripe: checkout and portal sessions,
// invoice listing, and webhook-driven subscription reconciliation.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const stripeAPIBase = "https://api.stripe.com/v1"

// StripeClient is a minimal typed client for the Stripe API endpoints this
// service uses. Requests are form-encoded per the Stripe wire protocol.
type StripeClient struct {
	apiBase    string
	secretKey  string
	httpClient *http.Client
}

// NewStripeClient creates a client authenticated with the secret key.
func NewStripeClient(secretKey string) *StripeClient {
	return &StripeClient{
		apiBase:    stripeAPIBase,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *StripeClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling stripe: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading stripe response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var stripeErr stripeError
		if json.Unmarshal(data, &stripeErr) == nil && stripeErr.Error.Message != "" {
			return fmt.Errorf("stripe %s %s: %s", method, path, stripeErr.Error.Message)
		}
		return fmt.Errorf("stripe %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding stripe response: %w", err)
		}
	}
	return nil
}

// CheckoutSession is the subset of Stripe's checkout session object used
// here.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession starts a subscription checkout for the given price.
// The user id travels in metadata so the completion webhook can attribute
// the subscription.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, userID, priceID, successURL, cancelURL string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	form.Set("metadata[userId]", userID)
	form.Set("subscription_data[metadata][userId]", userID)

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// PortalSession is a Stripe billing portal session.
type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePortalSession opens the Stripe customer portal for self-service
// subscription management.
func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var session PortalSession
	if err := c.do(ctx, http.MethodPost, "/billing_portal/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Invoice is the subset of Stripe's invoice object exposed to users.
type Invoice struct {
	ID               string `json:"id"`
	Number           string `json:"number"`
	Status           string `json:"status"`
	AmountDue        int64  `json:"amount_due"`
	AmountPaid       int64  `json:"amount_paid"`
	Currency         string `json:"currency"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	Created          int64  `json:"created"`
}

// ListInvoices returns the customer's invoices, newest first.
func (c *StripeClient) ListInvoices(ctx context.Context, customerID string, limit int) ([]Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var out struct {
		Data []Invoice `json:"data"`
	}
	path := fmt.Sprintf("/invoices?customer=%s&limit=%d", url.QueryEscape(customerID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// StripeSubscription is the subset of Stripe's subscription object used by
// the reconciler.
type StripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// GetSubscription fetches a subscription by id.
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*StripeSubscription, error) {
	var sub StripeSubscription
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PriceID returns the subscription's first price id.
func (s *StripeSubscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}
