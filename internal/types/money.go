// README: Common value objects shared across modules.
package types

import "time"

type ID string

type Money struct {
	Amount   int64
	Currency string
}

// DefaultCurrency is used when a stored amount has no currency attached.
const DefaultCurrency = "TWD"

func (m Money) Times(n int) Money {
	return Money{Amount: m.Amount * int64(n), Currency: m.Currency}
}

// Date truncates t to its calendar date in UTC. Rides are partitioned by this value.
func Date(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
