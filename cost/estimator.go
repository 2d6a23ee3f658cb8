package cost

// ModelRate prices prompt and completion tokens separately, per 1K tokens,
// in USD.
type ModelRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultRates covers the commonly routed models. Unknown model ids fall
// back to Estimator.defaultRate so estimation never blocks execution.
var defaultRates = map[string]ModelRate{
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"gemini-1.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
}

type Estimator struct {
	rates       map[string]ModelRate
	defaultRate ModelRate
}

func NewEstimator() *Estimator {
	return NewEstimatorWithRates(defaultRates, ModelRate{InputPer1K: 0.005, OutputPer1K: 0.015})
}

func NewEstimatorWithRates(rates map[string]ModelRate, defaultRate ModelRate) *Estimator {
	copied := make(map[string]ModelRate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &Estimator{
		rates:       copied,
		defaultRate: defaultRate,
	}
}

// Estimate returns the estimated USD cost for a call. Used only as a
// fallback when the provider's usage report omits cost.
func (e *Estimator) Estimate(modelId string, promptTokens int, completionTokens int) float64 {
	rate, ok := e.rates[modelId]
	if !ok {
		rate = e.defaultRate
	}
	return float64(promptTokens)/1000*rate.InputPer1K + float64(completionTokens)/1000*rate.OutputPer1K
}
