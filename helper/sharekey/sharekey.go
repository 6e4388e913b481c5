// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Package sharekey generates the single-use tokens a worker presents to bind
// itself to a workspace.
package sharekey

import (
	"crypto/rand"
	"fmt"
)

// Length is the number of characters in a share key.
const Length = 8

// alphabet excludes I, O, 0 and 1 so keys survive being read aloud or
// copied by hand.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Generate returns a new share key.
func Generate() string {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// Valid reports whether s is a well-formed share key.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, c := range s {
		ok := false
		for _, a := range alphabet {
			if c == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
