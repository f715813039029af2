package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/llm"
	llmopenai "github.com/oceanbase/memconsolidate-go/pkg/llm/openai"
	"github.com/oceanbase/memconsolidate-go/pkg/llm/venice"
)

type chatRequest struct {
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatServer(t *testing.T, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))

		choices := []map[string]any{}
		if content != "" {
			choices = append(choices, map[string]any{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   seen.Model,
			"choices": choices,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := llmopenai.NewClient(&llmopenai.Config{})
	assert.Error(t, err)
	_, err = venice.NewClient(&venice.Config{})
	assert.Error(t, err)
}

func TestGenerateWithMessages(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, `{"user":[]}`, &seen)

	c, err := llmopenai.NewClient(&llmopenai.Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, llmopenai.DefaultModel, c.Model())

	out, err := c.GenerateWithMessages(context.Background(),
		llm.SystemUser("system prompt", "user prompt"),
		llm.WithMaxTokens(123), llm.WithJSONResponse())
	require.NoError(t, err)
	assert.Equal(t, `{"user":[]}`, out)

	assert.Equal(t, llmopenai.DefaultModel, seen.Model)
	assert.Equal(t, 123, seen.MaxTokens)
	require.NotNil(t, seen.ResponseFormat)
	assert.Equal(t, "json_object", seen.ResponseFormat.Type)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "user prompt", seen.Messages[1].Content)
}

func TestGenerateNoChoices(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, "", &seen)

	c, err := llmopenai.NewClient(&llmopenai.Config{APIKey: "test-key", BaseURL: srv.URL, Model: "custom"})
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "hello")
	assert.Error(t, err)
	assert.Equal(t, "custom", seen.Model)
	assert.Nil(t, seen.ResponseFormat)
}

func TestVeniceUsesCompatibleAPI(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, "ok", &seen)

	c, err := venice.NewClient(&venice.Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, venice.DefaultModel, seen.Model)
}
