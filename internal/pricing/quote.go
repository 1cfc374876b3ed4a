package pricing

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultServiceFeeBPS is the marketplace service fee in basis points (10%).
const DefaultServiceFeeBPS = 1000

var (
	hundred  = decimal.NewFromInt(100)
	bpsScale = decimal.NewFromInt(10000)
)

// ErrNegativePrice is returned for prices below zero.
var ErrNegativePrice = errors.New("pricing: price must not be negative")

// Quote is what a requester pays to settle a task.
type Quote struct {
	Price      decimal.Decimal
	ServiceFee decimal.Decimal
	Total      decimal.Decimal
}

// Calculator prices tasks with a fixed service fee rate.
type Calculator struct {
	FeeBPS int
}

// Quote computes the service fee and total for price, rounded to centavos.
func (c Calculator) Quote(price decimal.Decimal) (Quote, error) {
	if price.IsNegative() {
		return Quote{}, ErrNegativePrice
	}
	bps := c.FeeBPS
	if bps <= 0 {
		bps = DefaultServiceFeeBPS
	}
	price = price.Round(2)
	fee := price.Mul(decimal.NewFromInt(int64(bps))).Div(bpsScale).Round(2)
	return Quote{Price: price, ServiceFee: fee, Total: price.Add(fee)}, nil
}

// Commission splits price into the platform commission and what the doer receives.
func (c Calculator) Commission(price decimal.Decimal) (commission, payout decimal.Decimal, err error) {
	q, err := c.Quote(price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return q.ServiceFee, q.Price.Sub(q.ServiceFee), nil
}

// ToMinor converts a peso amount to centavos.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinor converts centavos to pesos.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Format renders amount as a peso string such as ₱1,234.50.
func Format(amount decimal.Decimal) string {
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}
	fixed := amount.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "₱" + b.String() + "." + frac
}
