package provider

import (
	"context"
	"sync"
	"time"
)

// FakeAdapter is a scriptable Adapter for tests. Each call pops the next
// scripted result; when the script is exhausted the last result repeats.
//
// FakeAdapter is safe for concurrent use.
type FakeAdapter struct {
	IDValue    string
	ModelValue string

	mu      sync.Mutex
	script  []FakeResult
	calls   int
	prompts []string
}

// FakeResult is one scripted Send outcome.
type FakeResult struct {
	Reply *Reply
	Err   error

	// Delay is slept (context-aware) before returning, to exercise timeouts.
	Delay time.Duration
}

// NewFakeAdapter creates a FakeAdapter with the given script.
func NewFakeAdapter(id string, script ...FakeResult) *FakeAdapter {
	return &FakeAdapter{IDValue: id, ModelValue: "fake/" + id, script: script}
}

// ID implements Adapter.
func (f *FakeAdapter) ID() string { return f.IDValue }

// Model implements Adapter.
func (f *FakeAdapter) Model() string { return f.ModelValue }

// Send implements Adapter.
func (f *FakeAdapter) Send(ctx context.Context, prompt string, _ Params) (*Reply, error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	f.prompts = append(f.prompts, prompt)
	var res FakeResult
	if idx >= 0 {
		res = f.script[idx]
	}
	f.mu.Unlock()

	if res.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, Categorize(f.IDValue, ctx.Err())
		case <-time.After(res.Delay):
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Reply != nil {
		return res.Reply, nil
	}
	return &Reply{Text: "ok from " + f.IDValue, TokensUsed: 1}, nil
}

// Calls returns how many times Send was invoked.
func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastPrompt returns the most recent prompt passed to Send, or "".
func (f *FakeAdapter) LastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}
