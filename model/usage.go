package model

type UsageRecord struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	CostUSD          float64 `json:"costUsd"`
	Estimated        bool    `json:"estimated"`
}

// NewUsageRecord keeps the token-count invariant in one place: the total is
// always the sum of prompt and completion tokens.
func NewUsageRecord(promptTokens, completionTokens int, costUSD float64, estimated bool) *UsageRecord {
	return &UsageRecord{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          costUSD,
		Estimated:        estimated,
	}
}

func (u *UsageRecord) Add(other *UsageRecord) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	u.CostUSD += other.CostUSD
}
