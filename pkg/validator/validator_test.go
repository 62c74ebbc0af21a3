package validator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type depositInput struct {
	Coin    string          `validate:"required,coin"`
	Network string          `validate:"required,network"`
	Amount  decimal.Decimal `validate:"gt=0"`
}

func TestValidateStructured(t *testing.T) {
	v := New()

	ok := depositInput{Coin: "USDT", Network: "TRC20", Amount: decimal.NewFromInt(10)}
	assert.Nil(t, v.ValidateStructured(&ok))

	bad := depositInput{Coin: "usdt!", Network: "", Amount: decimal.Zero}
	errs := v.ValidateStructured(&bad)
	assert.Equal(t, "Invalid coin symbol", errs["Coin"])
	assert.Equal(t, "This field is required", errs["Network"])
	assert.Equal(t, "Must be greater than 0", errs["Amount"])
}

func TestValidate(t *testing.T) {
	v := New()
	err := v.Validate(&depositInput{Coin: "USDT", Network: "bad network", Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Network")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;", Sanitize("  <b> "))
}
