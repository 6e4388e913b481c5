// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Package testlog creates hclog loggers backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t: t}
}

// HCLogger returns a trace-level hclog Logger for t. If MODCHAIN_TEST_STDOUT
// is set the logs go directly to stdout instead, which survives test panics.
func HCLogger(t LogPrinter) hclog.Logger {
	var out io.Writer = NewWriter(t)
	if os.Getenv("MODCHAIN_TEST_STDOUT") != "" {
		out = os.Stdout
	}
	opts := &hclog.LoggerOptions{
		Level:           hclog.Trace,
		Output:          out,
		IncludeLocation: true,
	}
	return hclog.New(opts)
}
