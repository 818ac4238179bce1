package agent

import (
	"time"

	"github.com/xonecas/symb/internal/provider"
)

// ModelInfo describes the model an agent run targets.
type ModelInfo struct {
	ID            string
	Provider      string
	API           string
	BaseURL       string
	ContextWindow int
	MaxTokens     int
	InputCost     float64
	OutputCost    float64
	SupportsTools bool
}

// CompactionConfig controls on-the-fly context compaction (spec §4.6).
type CompactionConfig struct {
	Enabled          bool
	ReserveTokens    int
	KeepRecentTokens int
}

// DefaultCompactionConfig matches the spec's defaults: ~16K reserve, ~20K
// kept-recent budget.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{Enabled: true, ReserveTokens: 16_000, KeepRecentTokens: 20_000}
}

// RetryConfig parameterizes the transport's exponential backoff. It is
// carried on AgentConfig and passed to every Transport.Run through
// RunConfig (not a package default) so tests can zero delays.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig matches the spec's defaults: 1s initial, 2x backoff,
// 60s cap, 3 retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 60 * time.Second, BackoffMultiplier: 2.0}
}

// Delay returns the backoff delay for retry attempt n (0-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffMultiplier
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// AgentConfig is the embedder-supplied configuration for one Agent.
type AgentConfig struct {
	SystemPrompt string
	Model        ModelInfo
	Reasoning    provider.ReasoningLevel
	MaxTokens    int
	Temperature  float64
	Compaction   CompactionConfig
	Retry        RetryConfig
	SteeringMode DequeueMode
	FollowUpMode DequeueMode
}

// DefaultAgentConfig returns a config with spec-mandated defaults for
// everything the caller doesn't override.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Compaction:   DefaultCompactionConfig(),
		Retry:        DefaultRetryConfig(),
		SteeringMode: DequeueAll,
		FollowUpMode: DequeueOneAtATime,
	}
}
