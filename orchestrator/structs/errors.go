// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

import "errors"

var (
	// ErrCycleDetected is returned when a submitted flow's connections do
	// not form a DAG. No deployment is created.
	ErrCycleDetected = errors.New("cycle detected in flow connections")

	// ErrInsufficientFunds is returned by the accounts gateway when a
	// reservation cannot be placed; the job is rejected and never enqueued.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOverDebit is returned by the accounts gateway when the actual cost
	// exceeds the reserved amount. The balance is only reduced by the
	// reserved amount; the caller records the discrepancy.
	ErrOverDebit = errors.New("actual cost exceeds reservation")

	// ErrReservationNotFound is returned by the accounts gateway for a
	// debit or refund against an unknown reservation.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrShareKeyNotFound is returned when a register or consume references
	// a share key the registry does not know.
	ErrShareKeyNotFound = errors.New("share key not found")

	// ErrUnknownSession is returned for operations against a session the
	// registry no longer tracks; for heartbeats it translates into a
	// re-register signal to the worker.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownJob is returned for operations against a job id the queue
	// does not track.
	ErrUnknownJob = errors.New("unknown job")

	// ErrUnknownDeployment is returned for operations against a deployment
	// id the registry does not track.
	ErrUnknownDeployment = errors.New("unknown deployment")

	// ErrJobTerminal is returned when mutating a job that already reached a
	// terminal status.
	ErrJobTerminal = errors.New("job is terminal")

	// ErrDeploymentTerminal is returned when cancelling a deployment that
	// already reached a terminal status.
	ErrDeploymentTerminal = errors.New("deployment is terminal")

	// ErrNoEligibleWorker is returned by the optional pre-submission
	// capability check when no live worker could ever satisfy the
	// requirements.
	ErrNoEligibleWorker = errors.New("no eligible worker for requirements")

	// ErrShuttingDown is returned for submissions arriving after shutdown
	// began.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Failure reasons recorded on jobs and surfaced in deployment errors.
const (
	// FailureWorkerLost marks a job whose assigned session died before
	// delivering a terminal result.
	FailureWorkerLost = "worker lost"

	// FailureTimedOut marks a job that exceeded its timeout while assigned
	// or running.
	FailureTimedOut = "timed out"

	// FailureWorkerError marks a job the worker reported as failed.
	FailureWorkerError = "worker error"

	// FailureCredentialMissing marks a flow node whose credential refs
	// could not be resolved; the node fails before any job is submitted.
	FailureCredentialMissing = "credential missing"
)
