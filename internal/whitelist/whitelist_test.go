package whitelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEmptyListAllowsEveryone(t *testing.T) {
	c := NewChecker(nil, zap.NewNop())
	assert.False(t, c.Enabled())
	assert.True(t, c.Allows("anyone@anywhere.test"))
}

func TestExactAndSubdomainMatch(t *testing.T) {
	c := NewChecker([]string{" Example.com ", ".corp.test"}, zap.NewNop())

	assert.True(t, c.Allows("Ann <ann@EXAMPLE.com>"))
	assert.True(t, c.Allows("bob@eu.corp.test"))
	assert.False(t, c.Allows("eve@corp.test"))
	assert.False(t, c.Allows("mallory@example.org"))
	assert.False(t, c.Allows("not-an-address"))
}
