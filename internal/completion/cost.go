package completion

import "strings"

// Price is the USD cost per million tokens.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// prices is keyed by model prefix; the longest matching prefix wins.
var prices = map[string]Price{
	"claude-opus-4":     {InputPerMillion: 15, OutputPerMillion: 75},
	"claude-sonnet-4":   {InputPerMillion: 3, OutputPerMillion: 15},
	"claude-haiku-4":    {InputPerMillion: 1, OutputPerMillion: 5},
	"claude-3-5-haiku":  {InputPerMillion: 0.8, OutputPerMillion: 4},
	"gemini-2.5-pro":    {InputPerMillion: 1.25, OutputPerMillion: 10},
	"gemini-2.5-flash":  {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.0-flash":  {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gemini-flash-lite": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// PriceFor returns the price of model and whether it is known.
func PriceFor(model string) (Price, bool) {
	model = strings.ToLower(model)
	best := ""
	for prefix := range prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Price{}, false
	}
	return prices[best], true
}

// Cost estimates the USD cost of a call. Unknown models cost 0.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := PriceFor(model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.InputPerMillion + float64(outputTokens)*p.OutputPerMillion) / 1_000_000
}
