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

// Package devicekeys models the key bundle an end-to-end encrypted Matrix
// device publishes: long-lived curve25519 and ed25519 identity keys, a pool
// of one-time curve25519 keys, and the self-signed device keys document
// that attests to all of them.
package devicekeys

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/gomatrixcrypto/signing"
)

// A KeyAlgorithm names how a published key is meant to be used.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
)

// Session algorithms a device can advertise support for.
const (
	AlgorithmOlmV1    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"
)

// DefaultAlgorithms is what a fresh account advertises.
var DefaultAlgorithms = []string{AlgorithmOlmV1, AlgorithmMegolmV1}

// NewKeyID builds the "<algorithm>:<identifier>" ID a key is published
// under. The identifier is the device ID for identity keys and the pool
// counter for one-time keys.
func NewKeyID(algorithm KeyAlgorithm, identifier string) signing.KeyID {
	return signing.KeyID(string(algorithm) + ":" + identifier)
}

// IdentityKeys are the long-lived public keys of a device: the curve25519
// key that encrypted sessions are established with and the ed25519 key the
// device signs with.
type IdentityKeys struct {
	Curve25519 signing.Base64String `json:"curve25519"`
	Ed25519    signing.Base64String `json:"ed25519"`
}

// A OneTimeKey is a curve25519 key offered for a single session
// establishment and discarded once published.
type OneTimeKey struct {
	ID  string
	Key signing.Base64String
}

// DeviceKeys is the device keys document: what a device uploads to
// advertise its identity keys, self-signed with its ed25519 key. The
// "unsigned" member carries server-set annotations such as the display
// name and is not covered by the signature.
type DeviceKeys struct {
	UserID     string                                            `json:"user_id"`
	DeviceID   string                                            `json:"device_id"`
	Algorithms []string                                          `json:"algorithms"`
	Keys       map[signing.KeyID]signing.Base64String            `json:"keys"`
	Signatures map[string]map[signing.KeyID]signing.Base64String `json:"signatures,omitempty"`
	Unsigned   map[string]interface{}                            `json:"unsigned,omitempty"`
}

// UploadKeysRequest is the body of a key upload: the signed device keys
// document and the one-time keys on offer.
type UploadKeysRequest struct {
	DeviceKeys  json.RawMessage                   `json:"device_keys,omitempty"`
	OneTimeKeys map[signing.KeyID]json.RawMessage `json:"one_time_keys,omitempty"`
}

// VerifyIdentitySignature checks the self-signature a device put on a
// device keys document, expected at signatures.<userID>.ed25519:<deviceID>.
// The returned error wraps signing.ErrMissingSignature when the document
// carries no signature at that path and signing.ErrInvalidSignature when
// the signature does not match the document.
func VerifyIdentitySignature(p signing.Primitive, document []byte, userID, deviceID string, publicKey ed25519.PublicKey) error {
	return signing.VerifyJSON(p, userID, NewKeyID(KeyAlgorithmEd25519, deviceID), publicKey, document)
}

// VerifySignedOneTimeKey checks a signed one-time key document of the form
// {"key": <base64>, "signatures": {...}}: the key member must be a
// curve25519 point and the signature must be from the device's ed25519 key.
func VerifySignedOneTimeKey(p signing.Primitive, document []byte, userID, deviceID string, publicKey ed25519.PublicKey) error {
	key := gjson.GetBytes(document, "key")
	if !key.Exists() {
		return fmt.Errorf("signed one-time key has no key member")
	}
	var keyBytes signing.Base64String
	if err := keyBytes.Decode(key.Str); err != nil {
		return fmt.Errorf("one-time key is not unpadded base64: %w", err)
	}
	if len(keyBytes) != curve25519.PointSize {
		return fmt.Errorf("bad one-time key length %d", len(keyBytes))
	}
	return signing.VerifyJSON(p, userID, NewKeyID(KeyAlgorithmEd25519, deviceID), publicKey, document)
}

// CheckDeviceKeys validates a device keys document claimed to belong to
// the given user and device before it is trusted: the IDs must match, the
// published keys must have plausible lengths, and the self-signature must
// verify against the document's own ed25519 key. Returns the parsed
// document on success.
func CheckDeviceKeys(p signing.Primitive, document []byte, userID, deviceID string) (*DeviceKeys, error) {
	var keys DeviceKeys
	if err := json.Unmarshal(document, &keys); err != nil {
		return nil, fmt.Errorf("malformed device keys document: %w", err)
	}
	if keys.UserID != userID {
		return nil, fmt.Errorf("device keys user ID is %q, want %q", keys.UserID, userID)
	}
	if keys.DeviceID != deviceID {
		return nil, fmt.Errorf("device keys device ID is %q, want %q", keys.DeviceID, deviceID)
	}

	ed25519Key, ok := keys.Keys[NewKeyID(KeyAlgorithmEd25519, deviceID)]
	if !ok {
		return nil, fmt.Errorf("device keys carry no ed25519 key for device %q", deviceID)
	}
	if len(ed25519Key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad ed25519 key length %d for device %q", len(ed25519Key), deviceID)
	}
	if curve25519Key, ok := keys.Keys[NewKeyID(KeyAlgorithmCurve25519, deviceID)]; ok {
		if len(curve25519Key) != curve25519.PointSize {
			return nil, fmt.Errorf("bad curve25519 key length %d for device %q", len(curve25519Key), deviceID)
		}
	}

	if err := VerifyIdentitySignature(p, document, userID, deviceID, ed25519.PublicKey(ed25519Key)); err != nil {
		return nil, err
	}
	return &keys, nil
}
