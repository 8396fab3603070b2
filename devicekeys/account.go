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

package devicekeys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/gomatrixcrypto/signing"
)

// MaxOneTimeKeys bounds the unpublished one-time key pool. Clients
// typically top the published pool up to half of this.
const MaxOneTimeKeys = 100

const deviceIDBytesLength = 6

// An Account owns everything one device needs to attest to its keys: the
// user and device IDs, the long-lived identity key pairs and the one-time
// key pool. The identity material is fixed at construction; the pool is
// guarded by a mutex, so an Account is safe for concurrent use.
type Account struct {
	userID     string
	deviceID   string
	algorithms []string

	ed25519Public  signing.Base64String
	ed25519Private signing.Base64String
	curvePublic    signing.Base64String
	curvePrivate   signing.Base64String

	primitive signing.Primitive
	keygen    signing.KeyGenerator

	mu          sync.Mutex
	oneTimeKeys []oneTimeKey
	keyCounter  uint32
}

// oneTimeKey is an unpublished pool entry. The private half never leaves
// the account.
type oneTimeKey struct {
	id      string
	public  signing.Base64String
	private signing.Base64String
}

// An AccountOption customises NewAccount.
type AccountOption func(*Account)

// WithPrimitive substitutes the signing primitive used for all of the
// account's signatures.
func WithPrimitive(p signing.Primitive) AccountOption {
	return func(a *Account) {
		a.primitive = p
	}
}

// WithKeyGenerator substitutes the source of fresh key material.
func WithKeyGenerator(g signing.KeyGenerator) AccountOption {
	return func(a *Account) {
		a.keygen = g
	}
}

// WithAlgorithms overrides the session algorithms the device advertises.
func WithAlgorithms(algorithms ...string) AccountOption {
	return func(a *Account) {
		a.algorithms = algorithms
	}
}

// WithSigningKey supplies the long-lived ed25519 private key instead of
// minting a fresh one, for devices whose signing key is kept on disk.
func WithSigningKey(privateKey ed25519.PrivateKey) AccountOption {
	return func(a *Account) {
		a.ed25519Private = signing.Base64String(privateKey)
		a.ed25519Public = signing.Base64String(privateKey.Public().(ed25519.PublicKey))
	}
}

// NewAccount creates the owned key state for one device. A random device
// ID is generated when deviceID is empty. Identity keys are minted with
// the account's KeyGenerator unless WithSigningKey supplied the ed25519
// pair; the curve25519 identity key is always fresh.
func NewAccount(userID, deviceID string, opts ...AccountOption) (*Account, error) {
	a := &Account{
		userID:   userID,
		deviceID: deviceID,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.algorithms == nil {
		a.algorithms = append([]string(nil), DefaultAlgorithms...)
	}
	if a.keygen == nil {
		a.keygen = signing.XCrypto{}
	}

	if a.deviceID == "" {
		deviceID, err := generateDeviceID()
		if err != nil {
			return nil, errors.Wrap(err, "generating device ID")
		}
		a.deviceID = deviceID
	}

	if a.ed25519Private == nil {
		public, private, err := a.keygen.Ed25519KeyPair()
		if err != nil {
			return nil, errors.Wrap(err, "generating ed25519 identity key")
		}
		a.ed25519Public, a.ed25519Private = public, private
	}
	public, private, err := a.keygen.Curve25519KeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "generating curve25519 identity key")
	}
	a.curvePublic, a.curvePrivate = public, private

	return a, nil
}

func generateDeviceID() (string, error) {
	b := make([]byte, deviceIDBytesLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// url-safe so it can appear in URLs
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// oneTimeKeyID encodes the pool counter the way libolm does, as unpadded
// base64 of the big-endian value: 1 is "AAAAAQ".
func oneTimeKeyID(counter uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], counter)
	return base64.RawStdEncoding.EncodeToString(buf[:])
}

// UserID returns the user this device belongs to.
func (a *Account) UserID() string { return a.userID }

// DeviceID returns the device's ID.
func (a *Account) DeviceID() string { return a.deviceID }

// Algorithms returns the session algorithms the device advertises.
func (a *Account) Algorithms() []string {
	return append([]string(nil), a.algorithms...)
}

// IdentityKeys returns the public halves of the long-lived keys.
func (a *Account) IdentityKeys() IdentityKeys {
	return IdentityKeys{
		Curve25519: a.curvePublic,
		Ed25519:    a.ed25519Public,
	}
}

// SignatureKeyID is the ID the account signs under: "ed25519:<device ID>".
func (a *Account) SignatureKeyID() signing.KeyID {
	return NewKeyID(KeyAlgorithmEd25519, a.deviceID)
}

// SignJSON signs any JSON object as this account, attaching the signature
// at signatures.<user ID>.<ed25519:device ID>.
func (a *Account) SignJSON(message []byte) ([]byte, error) {
	return signing.SignJSON(a.primitive, a.userID, a.SignatureKeyID(), a.ed25519Private, message)
}

// DeviceKeys composes and self-signs the device keys document.
func (a *Account) DeviceKeys() (*DeviceKeys, error) {
	keys := &DeviceKeys{
		UserID:     a.userID,
		DeviceID:   a.deviceID,
		Algorithms: a.Algorithms(),
		Keys: map[signing.KeyID]signing.Base64String{
			NewKeyID(KeyAlgorithmCurve25519, a.deviceID): a.curvePublic,
			NewKeyID(KeyAlgorithmEd25519, a.deviceID):    a.ed25519Public,
		},
	}
	unsigned, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	signed, err := a.SignJSON(unsigned)
	if err != nil {
		return nil, errors.Wrap(err, "signing device keys")
	}
	if err := json.Unmarshal(signed, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// GenerateOneTimeKeys mints count fresh curve25519 keys into the
// unpublished pool and returns how many were created. The pool never grows
// beyond MaxOneTimeKeys.
func (a *Account) GenerateOneTimeKeys(count int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count < 0 {
		return 0, errors.Errorf("cannot generate %d one-time keys", count)
	}
	if count > MaxOneTimeKeys-len(a.oneTimeKeys) {
		logrus.WithFields(logrus.Fields{
			"unpublished": len(a.oneTimeKeys),
			"requested":   count,
		}).Warn("Refusing to grow the one-time key pool beyond its limit")
		return 0, errors.Errorf(
			"one-time key pool full: %d unpublished and %d requested exceeds the limit of %d",
			len(a.oneTimeKeys), count, MaxOneTimeKeys,
		)
	}

	for i := 0; i < count; i++ {
		public, private, err := a.keygen.Curve25519KeyPair()
		if err != nil {
			return i, errors.Wrap(err, "generating one-time key")
		}
		a.keyCounter++
		a.oneTimeKeys = append(a.oneTimeKeys, oneTimeKey{
			id:      oneTimeKeyID(a.keyCounter),
			public:  public,
			private: private,
		})
	}
	return count, nil
}

// OneTimeKeys returns the public halves of the unpublished pool in
// creation order.
func (a *Account) OneTimeKeys() []OneTimeKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]OneTimeKey, 0, len(a.oneTimeKeys))
	for _, key := range a.oneTimeKeys {
		keys = append(keys, OneTimeKey{ID: key.id, Key: key.public})
	}
	return keys
}

// SignedOneTimeKeys wraps each unpublished key in the signed_curve25519
// envelope: {"key": <base64>} self-signed by the device.
func (a *Account) SignedOneTimeKeys() (map[signing.KeyID]json.RawMessage, error) {
	signed := map[signing.KeyID]json.RawMessage{}
	for _, key := range a.OneTimeKeys() {
		payload, err := json.Marshal(struct {
			Key signing.Base64String `json:"key"`
		}{key.Key})
		if err != nil {
			return nil, err
		}
		document, err := a.SignJSON(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "signing one-time key %q", key.ID)
		}
		signed[NewKeyID(KeyAlgorithmSignedCurve25519, key.ID)] = document
	}
	return signed, nil
}

// MarkKeysAsPublished empties the unpublished pool. A key that has been
// offered once is never offered again; the account keeps no record of
// published keys, since session establishment is outside its scope.
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oneTimeKeys = nil
}

// UploadKeysRequest composes a key upload: the signed device keys document
// plus every unpublished one-time key as a bare curve25519:<id> entry.
// Call MarkKeysAsPublished once the upload has been accepted.
func (a *Account) UploadKeysRequest() (*UploadKeysRequest, error) {
	request, err := a.uploadDeviceKeys()
	if err != nil {
		return nil, err
	}
	for _, key := range a.OneTimeKeys() {
		value, err := json.Marshal(key.Key)
		if err != nil {
			return nil, err
		}
		request.OneTimeKeys[NewKeyID(KeyAlgorithmCurve25519, key.ID)] = value
	}
	return request, nil
}

// UploadSignedKeysRequest is UploadKeysRequest with each one-time key in
// the signed_curve25519 envelope instead of a bare key.
func (a *Account) UploadSignedKeysRequest() (*UploadKeysRequest, error) {
	request, err := a.uploadDeviceKeys()
	if err != nil {
		return nil, err
	}
	signed, err := a.SignedOneTimeKeys()
	if err != nil {
		return nil, err
	}
	request.OneTimeKeys = signed
	return request, nil
}

func (a *Account) uploadDeviceKeys() (*UploadKeysRequest, error) {
	keys, err := a.DeviceKeys()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	return &UploadKeysRequest{
		DeviceKeys:  raw,
		OneTimeKeys: map[signing.KeyID]json.RawMessage{},
	}, nil
}
