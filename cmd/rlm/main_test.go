package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rlm/internal/config"
)

func TestBackendOrder_RootFirstThenSortedRegardlessOfMapLayout(t *testing.T) {
	cfg := &config.Config{
		Backends: map[string]config.BackendConfig{
			"root":   {Provider: "anthropic"},
			"zeta":   {Provider: "openai"},
			"alpha":  {Provider: "gemini"},
			"middle": {Provider: "openai"},
		},
	}

	want := []string{"root", "alpha", "middle", "zeta"}
	for i := 0; i < 20; i++ {
		got := backendOrder(cfg)
		assert.Equal(t, want, got, "backend order must be deterministic across repeated calls, not dependent on Go's randomized map iteration")
	}
}

func TestBackendOrder_RootOnlyConfigIsStable(t *testing.T) {
	cfg := &config.Config{
		Backends: map[string]config.BackendConfig{
			"root": {Provider: "anthropic"},
		},
	}
	assert.Equal(t, []string{"root"}, backendOrder(cfg))
}
