package model

import "time"

// Account is the per-owner credit ledger record
type Account struct {
	Owner      string     `json:"owner"`
	Balance    int        `json:"balance"`
	UsageCount int        `json:"usage_count"`
	Purchases  []Purchase `json:"purchases"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Purchase is one completed top-up, appended to the account history
type Purchase struct {
	Amount        int64     `json:"amount"` // minor currency units
	Currency      string    `json:"currency,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	Credits       int       `json:"credits"`
	BalanceBefore int       `json:"balance_before"`
	BalanceAfter  int       `json:"balance_after"`
	At            time.Time `json:"at"`
}

// Clone returns a copy with its own purchase history slice
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Purchases = append([]Purchase(nil), a.Purchases...)
	return &c
}
