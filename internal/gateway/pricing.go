package gateway

import (
	"strings"

	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/usage"
)

// defaultPriceKey 未列出模型時使用的價格
const defaultPriceKey = "default"

// Price 每 1000 token 的價格
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PriceTable 模型價格表
type PriceTable struct {
	prices map[string]Price
}

// NewPriceTable 由配置建立價格表（模型名稱不分大小寫）
func NewPriceTable(pricing map[string]config.PricingConfig) *PriceTable {
	prices := make(map[string]Price, len(pricing))
	for model, p := range pricing {
		prices[strings.ToLower(model)] = Price{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}
	return &PriceTable{prices: prices}
}

// Lookup 取得模型價格；找不到時依序嘗試最長前綴與 default
func (t *PriceTable) Lookup(model string) (Price, bool) {
	key := strings.ToLower(model)
	if p, ok := t.prices[key]; ok {
		return p, true
	}

	best, bestLen := Price{}, 0
	for name, p := range t.prices {
		if name != defaultPriceKey && strings.HasPrefix(key, name) && len(name) > bestLen {
			best, bestLen = p, len(name)
		}
	}
	if bestLen > 0 {
		return best, true
	}

	p, ok := t.prices[defaultPriceKey]
	return p, ok
}

// Cost prompt/1000*input + completion/1000*output，四捨五入至 4 位小數
func (t *PriceTable) Cost(model string, promptTokens, completionTokens int64) float64 {
	p, _ := t.Lookup(model)
	cost := float64(promptTokens)/1000*p.InputPer1K + float64(completionTokens)/1000*p.OutputPer1K
	return usage.RoundCost(cost)
}
