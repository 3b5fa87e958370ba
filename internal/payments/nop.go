package payments

import (
	"context"
	"fmt"
	"sync"
)

// NopProvider is used in development without provider keys. Intents are
// numbered pi_dev_1, pi_dev_2, ... and nothing is charged.
type NopProvider struct {
	mu        sync.Mutex
	n         int
	byKey     map[string]Intent
	cancelled []string
	refunded  []string
}

// NewNopProvider creates a NopProvider.
func NewNopProvider() *NopProvider {
	return &NopProvider{byKey: map[string]Intent{}}
}

func (p *NopProvider) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	if _, err := MethodTypes(req.Method); err != nil {
		return Intent{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if in, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return in, nil
	}
	p.n++
	id := fmt.Sprintf("pi_dev_%d", p.n)
	in := Intent{ID: id, ClientSecret: id + "_secret_dev", Status: "requires_payment_method"}
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = in
	}
	return in, nil
}

func (p *NopProvider) CancelIntent(_ context.Context, intentID string) error {
	p.mu.Lock()
	p.cancelled = append(p.cancelled, intentID)
	p.mu.Unlock()
	return nil
}

func (p *NopProvider) Refund(_ context.Context, intentID string) error {
	p.mu.Lock()
	p.refunded = append(p.refunded, intentID)
	p.mu.Unlock()
	return nil
}

// Cancelled returns the intents cancelled so far.
func (p *NopProvider) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

// Refunded returns the intents refunded so far.
func (p *NopProvider) Refunded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.refunded...)
}
