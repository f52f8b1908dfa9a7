package usage

// modelRate holds per-token USD prices for a model.
type modelRate struct {
	Prompt     float64
	Completion float64
}

// costTable maps model identifiers to per-token prices. Models missing
// from the table cost $0 so an unpriced model never blocks logging.
var costTable = map[string]modelRate{
	"gpt-4o-mini":                {Prompt: 0.000003, Completion: 0.000006},
	"o4-mini":                    {Prompt: 0.000003, Completion: 0.000006},
	"claude-3-5-sonnet-20240620": {Prompt: 0.000008, Completion: 0.000024},
	"claude-3-5-haiku-20241022":  {Prompt: 0.000006, Completion: 0.000012},
	"gemini-1.5-pro-latest":      {Prompt: 0.0000005, Completion: 0.0000015},
	"gemini-1.5-flash-latest":    {Prompt: 0.00000025, Completion: 0.00000075},
}

// EstimateCostUSD converts raw token counts into a dollar estimate for
// the given model. Unknown models return 0.
func EstimateCostUSD(model string, promptTokens, completionTokens int) float64 {
	rate, ok := costTable[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)*rate.Prompt + float64(completionTokens)*rate.Completion
}
