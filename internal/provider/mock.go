package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a test provider that replays a scripted sequence of
// Events verbatim, for exercising the agent loop without a live backend.
type MockProvider struct {
	mu sync.Mutex

	name     string
	scripts  [][]Event // one script per call to Stream, consumed in order
	call     int
	err      error
	errQueue []error // one-shot errors consumed before scripts, oldest first
	delay    time.Duration
}

// NewMock creates a mock provider with no scripted responses; use
// WithScript to queue one Event sequence per expected Stream call.
func NewMock(name string) *MockProvider {
	return &MockProvider{name: name}
}

// WithScript appends one Event sequence to be replayed on the next Stream
// call that hasn't already consumed a script.
func (p *MockProvider) WithScript(events ...Event) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, events)
	return p
}

// WithError makes every Stream call fail immediately with err.
func (p *MockProvider) WithError(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p
}

// WithErrorOnce queues a single error to be returned by the next Stream
// call that hasn't already consumed a queued error, without disturbing the
// script sequence — useful for scripting a transient failure (retry,
// overflow) followed by a normal response.
func (p *MockProvider) WithErrorOnce(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errQueue = append(p.errQueue, err)
	return p
}

// WithDelay adds a pre-stream delay, useful for exercising cancellation.
func (p *MockProvider) WithDelay(d time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

func (p *MockProvider) Name() string { return p.name }
func (p *MockProvider) Close() error { return nil }

func (p *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: "mock-model", SupportsTool: true}}, nil
}

func (p *MockProvider) Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error) {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	var callErr error
	if len(p.errQueue) > 0 {
		callErr = p.errQueue[0]
		p.errQueue = p.errQueue[1:]
	}
	delay := p.delay
	var script []Event
	if callErr == nil {
		if p.call < len(p.scripts) {
			script = p.scripts[p.call]
		} else {
			script = []Event{{Kind: EventDone}}
		}
		p.call++
	}
	p.mu.Unlock()

	if callErr != nil {
		return nil, callErr
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	ch := make(chan Event, len(script))
	go func() {
		defer close(ch)
		for _, ev := range script {
			if !trySend(ctx, ch, ev) {
				return
			}
		}
	}()
	return ch, nil
}

// MockFactory constructs MockProvider instances for wiring into a Registry
// in tests. Each Create returns a fresh mock with no scripts, so every
// Stream call on it yields just a Done event.
type MockFactory struct {
	name string
}

func NewMockFactory(name string) *MockFactory {
	return &MockFactory{name: name}
}

func (f *MockFactory) Name() string { return f.name }

func (f *MockFactory) Create(model string, opts map[string]string) (Provider, error) {
	return NewMock(f.name), nil
}
