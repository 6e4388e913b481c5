// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package mock

import (
	"context"
	"sync"

	"github.com/Huck-dev/modchain/helper/uuid"
	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// Accounts is an in-memory accounts gateway tracking every reservation,
// debit, and refund for assertions.
type Accounts struct {
	mu sync.Mutex

	balance      int64
	reservations map[string]int64

	// Call counters.
	Reserves int
	Debits   int
	Refunds  int

	// DebitedCents is the total actually charged.
	DebitedCents int64
}

// NewAccounts returns a gateway holding balance cents.
func NewAccounts(balance int64) *Accounts {
	return &Accounts{
		balance:      balance,
		reservations: make(map[string]int64),
	}
}

// Reserve places a hold, rejecting when the balance cannot cover it.
func (a *Accounts) Reserve(_ context.Context, accountID string, cents int64, currency string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Reserves++
	if cents > a.balance {
		return "", structs.ErrInsufficientFunds
	}
	a.balance -= cents
	id := uuid.Generate()
	a.reservations[id] = cents
	return id, nil
}

// Debit settles the reservation. Overruns charge only the reserved
// amount and return ErrOverDebit.
func (a *Accounts) Debit(_ context.Context, reservationID string, actualCents int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Debits++
	reserved, ok := a.reservations[reservationID]
	if !ok {
		return a.balance, structs.ErrReservationNotFound
	}
	delete(a.reservations, reservationID)

	if actualCents > reserved {
		a.DebitedCents += reserved
		return a.balance, structs.ErrOverDebit
	}
	a.balance += reserved - actualCents
	a.DebitedCents += actualCents
	return a.balance, nil
}

// Refund releases the reservation in full.
func (a *Accounts) Refund(_ context.Context, reservationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Refunds++
	reserved, ok := a.reservations[reservationID]
	if !ok {
		return structs.ErrReservationNotFound
	}
	delete(a.reservations, reservationID)
	a.balance += reserved
	return nil
}

// Balance returns the current spendable balance.
func (a *Accounts) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Outstanding returns the count of unsettled reservations.
func (a *Accounts) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reservations)
}
