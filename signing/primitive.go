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

package signing

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ed25519"
)

// A Primitive performs the raw ed25519 operations that JSON signing is
// built on. The package functions take a Primitive so that a different
// vetted implementation can be substituted; passing nil selects XCrypto.
type Primitive interface {
	// Sign signs message with privateKey and returns the 64-byte
	// signature. privateKey is a 64-byte ed25519 private key or a 32-byte
	// seed. Signing is deterministic: the same key and message always
	// produce the same signature.
	Sign(privateKey, message []byte) ([]byte, error)

	// Verify returns nil if signature is a valid signature of message by
	// the 32-byte publicKey, and an error describing the failure
	// otherwise. It never panics on malformed input.
	Verify(publicKey, message, signature []byte) error
}

// A KeyGenerator mints fresh key pairs: ed25519 for signing and curve25519
// for the identity and one-time keys that an encrypted session is
// established with.
type KeyGenerator interface {
	Ed25519KeyPair() (public, private Base64String, err error)
	Curve25519KeyPair() (public, private Base64String, err error)
}

// XCrypto implements Primitive and KeyGenerator with golang.org/x/crypto.
// It is the implementation used whenever a nil Primitive or KeyGenerator
// is supplied.
type XCrypto struct{}

func (XCrypto) Sign(privateKey, message []byte) ([]byte, error) {
	switch len(privateKey) {
	case ed25519.PrivateKeySize:
	case ed25519.SeedSize:
		privateKey = ed25519.NewKeyFromSeed(privateKey)
	default:
		return nil, fmt.Errorf("bad ed25519 private key length %d", len(privateKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
}

func (XCrypto) Verify(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("bad ed25519 public key length %d", len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("bad ed25519 signature length %d", len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return fmt.Errorf("ed25519 signature check failed")
	}
	return nil
}

func (XCrypto) Ed25519KeyPair() (Base64String, Base64String, error) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	return Base64String(public), Base64String(private), nil
}

func (XCrypto) Curve25519KeyPair() (Base64String, Base64String, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, err
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return Base64String(public), Base64String(private), nil
}

func orDefault(p Primitive) Primitive {
	if p == nil {
		return XCrypto{}
	}
	return p
}
