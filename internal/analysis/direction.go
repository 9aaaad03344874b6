package analysis

// Direction is a market direction tag shared by the analyzers.
type Direction string

const (
	Bullish Direction = "BULLISH"
	Bearish Direction = "BEARISH"
	Neutral Direction = "NEUTRAL"
)

// Opposite flips bullish and bearish; neutral stays neutral.
func (d Direction) Opposite() Direction {
	switch d {
	case Bullish:
		return Bearish
	case Bearish:
		return Bullish
	}
	return Neutral
}
