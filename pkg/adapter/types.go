package adapter

// Request carries everything one model invocation needs. System holds the
// persona's system prompt; a zero Temperature defers to the provider
// default.
type Request struct {
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response wraps the raw model text and optional usage data. Parsing into
// typed fields happens upstream; adapters never interpret the text.
type Response struct {
	Text  string
	Usage *Usage
}
