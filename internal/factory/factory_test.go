package factory

import (
	"bytes"
	"testing"
	"time"

	"github.com/mikey/llm-meeting-coordinator/internal/adapters/outbound"
	"github.com/mikey/llm-meeting-coordinator/internal/adapters/store"
	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(values map[string]interface{}) *config.Config {
	v := config.NewEmptyViper()
	v.Set("assistant.address", "assistant@coord.example")
	for k, val := range values {
		v.Set(k, val)
	}
	return config.NewFromViper(v)
}

func TestLLMFactoryNoneIsRulesOnly(t *testing.T) {
	cfg := testConfig(map[string]interface{}{"llm.provider": "none"})

	client, err := NewLLMFactory(cfg, zap.NewNop()).CreateLLMClient()
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestLLMFactoryRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(map[string]interface{}{"llm.provider": "abacus"})

	_, err := NewLLMFactory(cfg, zap.NewNop()).CreateLLMClient()
	assert.Error(t, err)
}

func TestLLMFactoryRequiresAPIKey(t *testing.T) {
	for _, provider := range []string{"openai", "gemini"} {
		cfg := testConfig(map[string]interface{}{"llm.provider": provider})
		_, err := NewLLMFactory(cfg, zap.NewNop()).CreateLLMClient()
		assert.Error(t, err, provider)
	}
}

func TestStoreFactory(t *testing.T) {
	cfg := testConfig(map[string]interface{}{"store.type": "memory"})
	st, err := NewStoreFactory(cfg, zap.NewNop()).CreateStateStore()
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	cfg = testConfig(map[string]interface{}{
		"store.type":        "sqlite",
		"store.sqlite_path": ":memory:",
	})
	st, err = NewStoreFactory(cfg, zap.NewNop()).CreateStateStore()
	require.NoError(t, err)
	defer st.Close()
	assert.IsType(t, &store.SQLStore{}, st)
}

func TestSenderFactory(t *testing.T) {
	cfg := testConfig(map[string]interface{}{"outbound.type": "log"})
	sender, err := NewSenderFactory(cfg, zap.NewNop()).CreateSender(&bytes.Buffer{})
	require.NoError(t, err)
	assert.IsType(t, &outbound.LogSender{}, sender)

	cfg = testConfig(map[string]interface{}{"outbound.type": "smtp", "outbound.smtp_address": ""})
	_, err = NewSenderFactory(cfg, zap.NewNop()).CreateSender(nil)
	assert.Error(t, err)
}

func TestInterpreterSettingsFollowProvider(t *testing.T) {
	cfg := testConfig(map[string]interface{}{
		"llm.provider":         "openai",
		"openai.max_body_size": 2048,
		"openai.max_tokens":    300,
		"llm.timeout":          "5s",
		"coordination.horizon": "240h",
	})

	settings := NewInterpreterFactory(cfg, zap.NewNop()).Settings()
	assert.Equal(t, 2048, settings.MaxBodySize)
	assert.Equal(t, 300, settings.MaxTokens)
	assert.Equal(t, 5*time.Second, settings.Timeout)
	assert.Equal(t, 240*time.Hour, settings.Horizon)
}
