package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xonecas/symb/internal/provider"
)

func TestRetryConfigDelayExponentialWithCap(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffMultiplier: 2.0}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	for attempt, w := range want {
		if got := cfg.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

// countingProvider fails with a retryable error a fixed number of times
// before succeeding, recording every Stream call's attempt count.
type countingProvider struct {
	failures int
	attempts int
}

func (p *countingProvider) Name() string { return "counting" }
func (p *countingProvider) Close() error { return nil }
func (p *countingProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return nil, nil
}

func (p *countingProvider) Stream(ctx context.Context, messages []provider.Message, tools []provider.Tool, opts provider.StreamOptions) (<-chan provider.Event, error) {
	p.attempts++
	if p.attempts <= p.failures {
		return nil, errors.New("503 service unavailable")
	}
	ch := make(chan provider.Event, 1)
	ch <- provider.Event{Kind: provider.EventDone, StopReason: "end_turn"}
	close(ch)
	return ch, nil
}

func TestTransportRetriesTransientFailureThenSucceeds(t *testing.T) {
	prov := &countingProvider{failures: 2}
	bus := NewBus()
	transport := NewTransport(prov, bus)

	retry := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	result := transport.Run(context.Background(), nil, provider.NewUserText(0, "hi"), RunConfig{Retry: retry}, 1)
	if result.Err != nil {
		t.Fatalf("expected eventual success, got %v", result.Err)
	}
	if prov.attempts != 3 {
		t.Errorf("expected 3 attempts (2 failures + 1 success), got %d", prov.attempts)
	}
}

func TestTransportExhaustsRetriesAndFails(t *testing.T) {
	prov := &countingProvider{failures: 10}
	bus := NewBus()
	transport := NewTransport(prov, bus)

	retry := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	result := transport.Run(context.Background(), nil, provider.NewUserText(0, "hi"), RunConfig{Retry: retry}, 1)
	if result.Err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if prov.attempts != 3 { // initial attempt (0) + 2 retries
		t.Errorf("expected 3 attempts (1 initial + 2 retries), got %d", prov.attempts)
	}
}

func TestTransportNeverRetriesContextOverflow(t *testing.T) {
	mock := provider.NewMock("mock").WithError(errors.New("maximum context length is 8192 tokens"))
	bus := NewBus()
	transport := NewTransport(mock, bus)

	retry := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	result := transport.Run(context.Background(), nil, provider.NewUserText(0, "hi"), RunConfig{Retry: retry}, 1)
	if result.Err == nil {
		t.Fatal("expected an overflow error to propagate")
	}
	if !IsContextOverflow(result.Err) {
		t.Fatalf("expected result.Err to classify as context overflow, got %v", result.Err)
	}
}

func TestTransportNonRetryableErrorPropagatesImmediately(t *testing.T) {
	mock := provider.NewMock("mock").WithError(errors.New("invalid api key"))
	bus := NewBus()
	transport := NewTransport(mock, bus)

	retry := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	result := transport.Run(context.Background(), nil, provider.NewUserText(0, "hi"), RunConfig{Retry: retry}, 1)
	if result.Err == nil {
		t.Fatal("expected the non-retryable error to propagate")
	}
}

func TestTransportInvokesOnPartialForEveryDelta(t *testing.T) {
	mock := provider.NewMock("mock").WithScript(
		provider.Event{Kind: provider.EventStart},
		provider.Event{Kind: provider.EventTextStart, Index: 0},
		provider.Event{Kind: provider.EventTextDelta, Index: 0, Text: "hel"},
		provider.Event{Kind: provider.EventTextDelta, Index: 0, Text: "lo"},
		provider.Event{Kind: provider.EventDone, StopReason: "end_turn"},
	)
	bus := NewBus()
	transport := NewTransport(mock, bus)

	var partials []string
	result := transport.Run(context.Background(), nil, provider.NewUserText(0, "hi"), RunConfig{
		OnPartial: func(m *provider.Message) { partials = append(partials, m.Text()) },
	}, 1)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(partials) != 2 {
		t.Fatalf("expected OnPartial called once per delta, got %d calls: %v", len(partials), partials)
	}
	if partials[0] != "hel" || partials[1] != "hello" {
		t.Fatalf("expected accumulating partial text, got %v", partials)
	}
}

func TestTransportHonorsCancellationDuringRetryBackoff(t *testing.T) {
	prov := &countingProvider{failures: 100}
	bus := NewBus()
	transport := NewTransport(prov, bus)

	ctx, cancel := context.WithCancel(context.Background())
	retry := RetryConfig{MaxRetries: 100, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 1}

	done := make(chan RunResult, 1)
	go func() {
		done <- transport.Run(ctx, nil, provider.NewUserText(0, "hi"), RunConfig{Retry: retry}, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		if result.Err == nil {
			t.Fatal("expected cancellation during backoff to surface as an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not honor cancellation during the retry sleep")
	}
}
