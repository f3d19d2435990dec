package models

import "encoding/json"

// OpenAI-style chat completion wire types. Only the fields the gateway needs
// to inspect are declared; everything else rides along in Extra so requests
// are forwarded without loss.

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int64         `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`

	// Extra preserves fields this gateway does not interpret (temperature,
	// top_p, tools, ...) so the node sees the caller's request unmodified.
	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unknown fields in Extra.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type known ChatCompletionRequest
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "model")
	delete(all, "messages")
	delete(all, "max_tokens")
	delete(all, "stream")
	*r = ChatCompletionRequest(k)
	r.Extra = all
	return nil
}

// MarshalJSON re-inlines Extra next to the known fields.
func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	all := make(map[string]json.RawMessage, len(r.Extra)+4)
	for k, v := range r.Extra {
		all[k] = v
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		all[key] = b
		return nil
	}
	if err := put("model", r.Model); err != nil {
		return nil, err
	}
	if err := put("messages", r.Messages); err != nil {
		return nil, err
	}
	if r.MaxTokens > 0 {
		if err := put("max_tokens", r.MaxTokens); err != nil {
			return nil, err
		}
	}
	if r.Stream {
		if err := put("stream", r.Stream); err != nil {
			return nil, err
		}
	}
	return json.Marshal(all)
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// chunk shape used when scanning SSE data lines and non-streaming bodies;
// only usage matters to accounting.
type ChatCompletionChunk struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage *Usage `json:"usage,omitempty"`
}
