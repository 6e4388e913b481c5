// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"
)

// AccountsGateway is the narrow contract the scheduler consumes from the
// external accounts service. Every successful Reserve is followed by
// exactly one Debit or Refund.
type AccountsGateway interface {
	// Reserve places a hold of cents on the account and returns a
	// reservation id, or structs.ErrInsufficientFunds.
	Reserve(ctx context.Context, accountID string, cents int64, currency string) (string, error)

	// Debit settles a reservation at the actual cost and returns the
	// remaining balance. If actual exceeds the reservation it returns
	// structs.ErrOverDebit after reducing the balance by the reserved
	// amount only; the caller records the discrepancy.
	Debit(ctx context.Context, reservationID string, actualCents int64) (int64, error)

	// Refund releases a reservation without charging. Used on cancel,
	// timeout, and worker loss.
	Refund(ctx context.Context, reservationID string) error
}

// NoopAccounts satisfies AccountsGateway when no accounts service is
// configured. Reservations are free and unbounded; used for development
// and for workspaces without billing.
type NoopAccounts struct{}

func (NoopAccounts) Reserve(context.Context, string, int64, string) (string, error) {
	return "noop", nil
}

func (NoopAccounts) Debit(context.Context, string, int64) (int64, error) {
	return 0, nil
}

func (NoopAccounts) Refund(context.Context, string) error {
	return nil
}
