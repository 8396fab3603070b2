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

// Package test holds fixtures shared by the package tests: deterministic
// key material, ID factories and primitive stubs.
package test

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/gomatrixcrypto/signing"
)

var userIDCounter = int64(0)

// Private keys that tests can sign with.
var (
	PrivateKeyA = ed25519.NewKeyFromSeed([]byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 77,
	})
	PrivateKeyB = ed25519.NewKeyFromSeed([]byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 66,
	})
)

// NewUserID returns a user ID no other test has used yet.
func NewUserID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("@%d:test", atomic.AddInt64(&userIDCounter, 1))
}

// RandomDeviceID returns a device ID in the uppercase style servers mint.
func RandomDeviceID() string {
	return strings.ToUpper(util.RandomString(10))
}

// StubPrimitive fails every operation with a fixed error, for exercising
// the paths behind a broken signing backend.
type StubPrimitive struct {
	Err error
}

func (s StubPrimitive) Sign(privateKey, message []byte) ([]byte, error) {
	return nil, s.Err
}

func (s StubPrimitive) Verify(publicKey, message, signature []byte) error {
	return s.Err
}

// RecordingPrimitive delegates to Inner (XCrypto when nil) and keeps the
// messages that were signed and verified, so tests can inspect the exact
// payloads signatures cover.
type RecordingPrimitive struct {
	Inner    signing.Primitive
	Signed   [][]byte
	Verified [][]byte
}

func (r *RecordingPrimitive) inner() signing.Primitive {
	if r.Inner == nil {
		return signing.XCrypto{}
	}
	return r.Inner
}

func (r *RecordingPrimitive) Sign(privateKey, message []byte) ([]byte, error) {
	r.Signed = append(r.Signed, append([]byte(nil), message...))
	return r.inner().Sign(privateKey, message)
}

func (r *RecordingPrimitive) Verify(publicKey, message, signature []byte) error {
	r.Verified = append(r.Verified, append([]byte(nil), message...))
	return r.inner().Verify(publicKey, message, signature)
}
