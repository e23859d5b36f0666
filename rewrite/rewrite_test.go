package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aistore-edge/cachegate/rewrite"
)

func TestApplySeedScenario(t *testing.T) {
	out := rewrite.Apply("flower cat", []rewrite.Rule{
		{From: "flower", To: "vegetable"},
		{From: "cat", To: "dog"},
	})
	assert.Equal(t, "vegetable dog", out)
}

func TestApplyOrderMatters(t *testing.T) {
	out := rewrite.Apply("aa", []rewrite.Rule{
		{From: "a", To: "b"},
		{From: "b", To: "c"},
	})
	assert.Equal(t, "cc", out)
}

func TestApplyNoRules(t *testing.T) {
	assert.Equal(t, "unchanged", rewrite.Apply("unchanged", nil))
}
