package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatQuantity rounds a quantity down to the symbol's lot step size.
// Flooring (never rounding up) keeps the order inside the account balance.
func (c *Client) FormatQuantity(symbol string, quantity float64) (float64, error) {
	info, err := c.GetSymbolInfo(symbol)
	if err != nil {
		return 0, err
	}
	return FloorToStep(quantity, info.StepSize), nil
}

// FormatPrice rounds a price to the symbol's tick size.
func (c *Client) FormatPrice(symbol string, price float64) (float64, error) {
	info, err := c.GetSymbolInfo(symbol)
	if err != nil {
		return 0, err
	}
	return RoundToTick(price, info.TickSize), nil
}

// FloorToStep floors a quantity to an exact multiple of step. Exact decimal
// arithmetic avoids the float drift that gets orders rejected by LOT_SIZE.
func FloorToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	q := decimal.NewFromFloat(quantity)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	out, _ := steps.Mul(s).Float64()
	return out
}

// RoundToTick rounds a price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	ticks := p.Div(t).Round(0)
	out, _ := ticks.Mul(t).Float64()
	return out
}

// ValidateOrderSize checks a quantity against the symbol's LOT_SIZE and
// MIN_NOTIONAL filters before submission.
func ValidateOrderSize(info *SymbolInfo, quantity, price float64) error {
	if quantity < info.MinQty {
		return fmt.Errorf("quantity %.8f below minimum %.8f", quantity, info.MinQty)
	}
	if notional := quantity * price; notional < info.MinNotional {
		return fmt.Errorf("notional %.2f below minimum %.2f", notional, info.MinNotional)
	}
	return nil
}
