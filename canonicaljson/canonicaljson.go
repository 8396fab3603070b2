// Copyright 2024 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package canonicaljson encodes JSON in the canonical form used for signing
// Matrix objects: object keys sorted by Unicode code point, no insignificant
// whitespace, strings as raw UTF-8 with only the mandatory escapes, and
// numbers restricted to integers.
// https://spec.matrix.org/v1.7/appendices/#canonical-json
package canonicaljson

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Numbers in canonical JSON must be integers that survive a round trip
// through a 64-bit float, so their magnitude is capped at 2**53 - 1.
const (
	MaxCanonicalInt = 1<<53 - 1
	MinCanonicalInt = -MaxCanonicalInt
)

// ErrInvalidJSON is returned when the input cannot be parsed as JSON at all.
var ErrInvalidJSON = errors.New("input is not valid JSON")

// A NonCanonicalNumberError is returned when the input contains a number
// with no canonical form: a fraction, an exponent, or a magnitude outside
// the range [MinCanonicalInt, MaxCanonicalInt].
type NonCanonicalNumberError struct {
	Number string
}

func (e NonCanonicalNumberError) Error() string {
	return fmt.Sprintf("number %q has no canonical integer form", e.Number)
}

// CanonicalJSON re-encodes the given JSON in the canonical form.
// Returns ErrInvalidJSON if the input is not JSON and a
// NonCanonicalNumberError if it contains a number that cannot be
// represented as a canonical integer.
func CanonicalJSON(input []byte) ([]byte, error) {
	return AppendCanonicalJSON(make([]byte, 0, len(input)), input)
}

// AppendCanonicalJSON appends the canonical form of the given JSON to
// output, reusing its spare capacity, and returns the extended buffer.
func AppendCanonicalJSON(output, input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, ErrInvalidJSON
	}
	return appendCanonical(output, gjson.ParseBytes(input))
}

func appendCanonical(output []byte, value gjson.Result) ([]byte, error) {
	switch value.Type {
	case gjson.Null:
		return append(output, "null"...), nil
	case gjson.False:
		return append(output, "false"...), nil
	case gjson.True:
		return append(output, "true"...), nil
	case gjson.Number:
		return appendCanonicalNumber(output, value.Raw)
	case gjson.String:
		return appendCanonicalString(output, value.Str), nil
	case gjson.JSON:
		if value.IsArray() {
			return appendCanonicalArray(output, value)
		}
		return appendCanonicalObject(output, value)
	default:
		return nil, fmt.Errorf("unknown JSON value type %d", value.Type)
	}
}

func appendCanonicalNumber(output []byte, raw string) ([]byte, error) {
	// The raw token keeps surrounding whitespace when the number is the
	// whole document.
	raw = strings.TrimSpace(raw)
	// ParseInt accepts exactly the tokens that have a canonical form:
	// fractions and exponents are as out of range as anything beyond 2**53.
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n > MaxCanonicalInt || n < MinCanonicalInt {
		return nil, NonCanonicalNumberError{Number: raw}
	}
	return strconv.AppendInt(output, n, 10), nil
}

const hexDigits = "0123456789abcdef"

// appendCanonicalString writes the decoded string back out as UTF-8,
// escaping only what JSON insists on: the quote, the backslash and the
// control characters. Anything the input spelled as a \uXXXX escape has
// already been decoded and is emitted as raw UTF-8.
func appendCanonicalString(output []byte, s string) []byte {
	output = append(output, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			output = append(output, '\\', '"')
		case c == '\\':
			output = append(output, '\\', '\\')
		case c == '\b':
			output = append(output, '\\', 'b')
		case c == '\t':
			output = append(output, '\\', 't')
		case c == '\n':
			output = append(output, '\\', 'n')
		case c == '\f':
			output = append(output, '\\', 'f')
		case c == '\r':
			output = append(output, '\\', 'r')
		case c < 0x20:
			output = append(output, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		default:
			output = append(output, c)
		}
	}
	return append(output, '"')
}

func appendCanonicalArray(output []byte, value gjson.Result) ([]byte, error) {
	var err error
	output = append(output, '[')
	first := true
	value.ForEach(func(_, element gjson.Result) bool {
		if !first {
			output = append(output, ',')
		}
		first = false
		output, err = appendCanonical(output, element)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return append(output, ']'), nil
}

func appendCanonicalObject(output []byte, value gjson.Result) ([]byte, error) {
	var keys []string
	members := map[string]gjson.Result{}
	value.ForEach(func(key, member gjson.Result) bool {
		if _, ok := members[key.Str]; !ok {
			keys = append(keys, key.Str)
		}
		// Duplicate keys: the last occurrence wins, matching what
		// encoding/json produces when round-tripping through a map.
		members[key.Str] = member
		return true
	})
	// Go string comparison is byte-wise, which on UTF-8 is exactly the
	// code point order the canonical form asks for.
	sort.Strings(keys)

	var err error
	output = append(output, '{')
	for i, key := range keys {
		if i > 0 {
			output = append(output, ',')
		}
		output = appendCanonicalString(output, key)
		output = append(output, ':')
		output, err = appendCanonical(output, members[key])
		if err != nil {
			return nil, err
		}
	}
	return append(output, '}'), nil
}
