// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package base62 converts sha256 digests to and from the compact base62 form
// used in delta tag names.
package base62

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Alphabet is the digit set, lowest value first.
const Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz" + "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Len is the encoded length of a full 256-bit digest.
const Len = 43

// width is the number of digits produced before leading zeros are stripped.
const width = 50

var ErrInvalidInput = errors.New("invalid base62 input")

var sixtyTwo = big.NewInt(62)

// FromHex encodes a hex digest, with or without a "sha256:" prefix.
func FromHex(hex string) (string, error) {
	hex = strings.TrimPrefix(hex, "sha256:")
	v, ok := new(big.Int).SetString(hex, 16)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("%w: %q is not a hex digest", ErrInvalidInput, hex)
	}
	var buf [width]byte
	mod := new(big.Int)
	for i := width - 1; i >= 0; i-- {
		v.DivMod(v, sixtyTwo, mod)
		buf[i] = Alphabet[mod.Int64()]
	}
	s := strings.TrimLeft(string(buf[:]), "0")
	if s == "" {
		return "0", nil
	}
	return s, nil
}

// ToHex decodes s into a lowercase hex string. Values that fit in 256 bits
// are zero padded to 64 characters.
func ToHex(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty string", ErrInvalidInput)
	}
	v := new(big.Int)
	d := new(big.Int)
	for i := 0; i < len(s); i++ {
		n := strings.IndexByte(Alphabet, s[i])
		if n < 0 {
			return "", fmt.Errorf("%w: character %q at offset %d", ErrInvalidInput, s[i], i)
		}
		v.Mul(v, sixtyTwo)
		v.Add(v, d.SetInt64(int64(n)))
	}
	hex := v.Text(16)
	if len(hex) < 64 {
		hex = strings.Repeat("0", 64-len(hex)) + hex
	}
	return hex, nil
}

// Valid reports whether every character of s is in the alphabet.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
