package cost

import (
	"encoding/json"
	"strings"
)

// tokensPerWord is an empirical ratio for English text under the common
// LLM tokenizers. Budget pre-checks need only an approximation; the ledger
// is reconciled with the provider's actual counts on commit.
const tokensPerWord = 1.35

type TokenCounter struct {
	ratio float64
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{ratio: tokensPerWord}
}

// CountTokens estimates the token count of a rendered step input. Non-string
// inputs are counted over their JSON encoding.
func (tc *TokenCounter) CountTokens(input any) int {
	var text string
	switch v := input.(type) {
	case string:
		text = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		text = string(data)
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(float64(words)*tc.ratio + 0.5)
}
