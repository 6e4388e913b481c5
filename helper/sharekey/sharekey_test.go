// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package sharekey

import (
	"strings"
	"testing"

	"github.com/Huck-dev/modchain/ci"
	"github.com/shoenig/test/must"
)

func TestGenerate(t *testing.T) {
	ci.Parallel(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := Generate()
		must.Eq(t, Length, len(key))
		must.True(t, Valid(key))
		must.False(t, seen[key])
		seen[key] = true
	}
}

func TestGenerate_noConfusables(t *testing.T) {
	ci.Parallel(t)

	for i := 0; i < 100; i++ {
		key := Generate()
		must.False(t, strings.ContainsAny(key, "IO01"))
	}
}

func TestValid(t *testing.T) {
	ci.Parallel(t)

	must.False(t, Valid(""))
	must.False(t, Valid("ABC"))
	must.False(t, Valid("ABCDEFGI")) // confusable I
	must.False(t, Valid("abcdefgh")) // lowercase
	must.True(t, Valid("ABCDEFGH"))
	must.True(t, Valid("23456789"))
}
