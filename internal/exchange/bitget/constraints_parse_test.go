package bitget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSpotConstraintsFallsBackMinQtyToStep(t *testing.T) {
	row := map[string]interface{}{
		"minTradeAmount":  "0",
		"minTradeUSDT":    "5",
		"quantityScale":   "4",
		"priceScale":      "2",
	}
	c := parseSpotConstraints(row)
	assert.True(t, c.MinQty.Equal(c.QtyStep), "minQty should fall back to qtyStep when minTradeAmount is zero")
	assert.Equal(t, "0.0001", c.QtyStep.String())
	assert.Equal(t, "0.01", c.TickSize.String())
}

func TestParsePerpConstraints(t *testing.T) {
	row := map[string]interface{}{
		"minTradeNum":     "0.01",
		"minTradeUSDT":    "5",
		"sizeMultiplier":  "0.001",
		"pricePlace":      "1",
	}
	c := parsePerpConstraints(row)
	assert.Equal(t, "0.01", c.MinQty.String())
	assert.Equal(t, "0.001", c.QtyStep.String())
	assert.Equal(t, "0.1", c.TickSize.String())
}

func TestParsePerpConstraintsQtyStepFallsBackToVolumePlace(t *testing.T) {
	row := map[string]interface{}{
		"minTradeNum":  "1",
		"minTradeUSDT": "5",
		"pricePlace":   "2",
		"volumePlace":  "3",
	}
	c := parsePerpConstraints(row)
	assert.Equal(t, "0.001", c.QtyStep.String())
}

func TestFindRow(t *testing.T) {
	rows := []map[string]interface{}{
		{"symbol": "BTCUSDT"},
		{"symbol": "ETHUSDT"},
	}
	row, ok := findRow(rows, "symbol", "ETHUSDT")
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", row["symbol"])

	_, ok = findRow(rows, "symbol", "SOLUSDT")
	assert.False(t, ok)
}
