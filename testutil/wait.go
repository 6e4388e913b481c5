// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult retries test every 10ms until it reports success or the
// retry budget is exhausted, at which point error is invoked with the last
// failure.
func WaitForResult(test testFn, error errorFn) {
	WaitForResultRetries(500, test, error)
}

// WaitForResultRetries is WaitForResult with an explicit retry budget.
func WaitForResultRetries(retries int64, test testFn, error errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}
