package condochat

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidator_PositiveAmount(t *testing.T) {
	var v = validate
	assert.NotPanics(t, func() { v = newValidator() })

	assert.NoError(t, v.Struct(offerInput{Amount: decimal.RequireFromString("0.01")}))
	for _, amount := range []string{"0", "-5", "0.00"} {
		assert.Error(t, v.Struct(offerInput{Amount: decimal.RequireFromString(amount)}), amount)
	}
	assert.Error(t, v.Struct(messageInput{}))
	assert.Error(t, v.Struct(respondInput{}))
}
