// Package paymenttest provides a scriptable payments.Provider for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/payments"
)

// Fake succeeds by default. Queue outcomes with Next; riders in NoMethod
// have no saved card. Charges are deduplicated by idempotency key the way a
// real processor does.
type Fake struct {
	mu       sync.Mutex
	NoMethod map[string]bool
	queue    []payments.ChargeResult
	byKey    map[string]payments.ChargeResult
	Calls    []payments.ChargeRequest
	Captured []string
	Released []string
	seq      int
}

func New() *Fake {
	return &Fake{NoMethod: map[string]bool{}, byKey: map[string]payments.ChargeResult{}}
}

// Next queues the outcome of the next charge that reaches the processor.
func (f *Fake) Next(results ...payments.ChargeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, results...)
}

func (f *Fake) HasPaymentMethod(ctx context.Context, riderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.NoMethod[riderID], nil
}

func (f *Fake) Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, req)
	if res, ok := f.byKey[req.IdempotencyKey]; ok && res.Status == models.PaymentSucceeded {
		return res, nil
	}
	f.seq++
	res := payments.ChargeResult{Status: models.PaymentSucceeded, ProviderRef: fmt.Sprintf("pi_%d", f.seq)}
	if len(f.queue) > 0 {
		res = f.queue[0]
		f.queue = f.queue[1:]
		if res.ProviderRef == "" {
			res.ProviderRef = fmt.Sprintf("pi_%d", f.seq)
		}
	}
	f.byKey[req.IdempotencyKey] = res
	return res, nil
}

// Succeeded counts idempotency keys that were charged successfully.
func (f *Fake) Succeeded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.byKey {
		if r.Status == models.PaymentSucceeded {
			n++
		}
	}
	return n
}

func (f *Fake) Capture(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Captured = append(f.Captured, ref)
	return nil
}

func (f *Fake) Release(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Released = append(f.Released, ref)
	return nil
}
