package engine

import (
	"fmt"
	"strings"

	"github.com/vantex/exchange/internal/models"
)

// ParseSymbol normalizes a trading pair ("btc/usdt", "BTCUSDT") and splits it
// into base and quote assets. Only USDT-quoted pairs are supported.
func ParseSymbol(symbol string) (clean, base, quote string, err error) {
	clean = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
	if strings.HasSuffix(clean, "USDT") && len(clean) > 4 {
		return clean, strings.TrimSuffix(clean, "USDT"), "USDT", nil
	}
	return "", "", "", fmt.Errorf("%w: only */USDT symbols are supported", models.ErrValidation)
}
