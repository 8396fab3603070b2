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

// Package signing signs and verifies JSON objects with ed25519 keys in the
// format used by Matrix: the canonical form of the document, minus its
// "signatures" and "unsigned" members, is signed, and the unpadded base64
// signature is attached at signatures.<entity>.<key ID>.
// https://spec.matrix.org/v1.7/appendices/#signing-json
package signing

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/gomatrixcrypto/canonicaljson"
)

// A KeyID is the ID of an ed25519 key used to sign JSON, in the form
// "ed25519:" followed by an identifier. For device keys the identifier is
// the device ID. The prefix would change if another signing algorithm were
// ever introduced.
type KeyID string

var (
	// ErrMissingSignature means the document carries no signature at all
	// for the requested entity and key ID. A document that was never
	// signed is reported differently from one that fails verification.
	ErrMissingSignature = errors.New("missing signature")

	// ErrInvalidSignature means a signature was present but could not be
	// decoded or did not verify against the canonical form of the
	// document.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignJSON signs a JSON object, returning a copy with the signature merged
// into signatures.<signingName>.<keyID>. Signatures already present for
// other entities or keys are kept. The "unsigned" member and any existing
// "signatures" are excluded from the signed payload but preserved in the
// result. privateKey is handed to the Primitive as-is; for XCrypto that
// means a 64-byte ed25519 private key or a 32-byte seed.
func SignJSON(p Primitive, signingName string, keyID KeyID, privateKey, message []byte) ([]byte, error) {
	// Unpack only the top level so every other byte of the document passes
	// through untouched.
	var object map[string]*json.RawMessage
	var signatures map[string]map[KeyID]Base64String
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	rawUnsigned, hasUnsigned := object["unsigned"]
	delete(object, "unsigned")

	if rawSignatures := object["signatures"]; rawSignatures != nil {
		if err := json.Unmarshal(*rawSignatures, &signatures); err != nil {
			return nil, fmt.Errorf("malformed signatures member: %w", err)
		}
		delete(object, "signatures")
	} else {
		signatures = map[string]map[KeyID]Base64String{}
	}

	unsorted, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	canonical, err := canonicaljson.CanonicalJSON(unsorted)
	if err != nil {
		return nil, err
	}

	signature, err := orDefault(p).Sign(privateKey, canonical)
	if err != nil {
		return nil, fmt.Errorf("signing primitive: %w", err)
	}

	if forEntity := signatures[signingName]; forEntity != nil {
		forEntity[keyID] = Base64String(signature)
	} else {
		signatures[signingName] = map[KeyID]Base64String{keyID: Base64String(signature)}
	}

	var rawSignatures json.RawMessage
	if rawSignatures, err = json.Marshal(signatures); err != nil {
		return nil, err
	}
	object["signatures"] = &rawSignatures

	if hasUnsigned {
		object["unsigned"] = rawUnsigned
	}

	return json.Marshal(object)
}

// AttachSignature merges a ready-made signature into
// signatures.<signingName>.<keyID> of the document, keeping any signatures
// already present. No hashing or canonicalization of its own takes place.
func AttachSignature(document []byte, signingName string, keyID KeyID, signature Base64String) ([]byte, error) {
	var object map[string]*json.RawMessage
	var signatures map[string]map[KeyID]Base64String
	if err := json.Unmarshal(document, &object); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	if rawSignatures := object["signatures"]; rawSignatures != nil {
		if err := json.Unmarshal(*rawSignatures, &signatures); err != nil {
			return nil, fmt.Errorf("malformed signatures member: %w", err)
		}
	} else {
		signatures = map[string]map[KeyID]Base64String{}
	}

	if forEntity := signatures[signingName]; forEntity != nil {
		forEntity[keyID] = signature
	} else {
		signatures[signingName] = map[KeyID]Base64String{keyID: signature}
	}

	rawSignatures, err := json.Marshal(signatures)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(rawSignatures)
	object["signatures"] = &raw

	return json.Marshal(object)
}

// Stripped returns the part of the document that signatures cover: the
// document with its top-level "signatures" and "unsigned" members removed.
// Nested members with those names are kept. The input slice is not
// modified.
func Stripped(document []byte) ([]byte, error) {
	stripped, err := sjson.DeleteBytes(document, "signatures")
	if err != nil {
		return nil, err
	}
	return sjson.DeleteBytes(stripped, "unsigned")
}

// ListKeyIDs lists the key IDs a given entity has signed a message with.
func ListKeyIDs(signingName string, message []byte) ([]KeyID, error) {
	var object struct {
		Signatures map[string]map[KeyID]json.RawMessage `json:"signatures"`
	}
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}
	var result []KeyID
	for keyID := range object.Signatures[signingName] {
		result = append(result, keyID)
	}
	return result, nil
}

// VerifyJSON checks that the entity named signingName signed the message
// with the key identified by keyID. The error wraps ErrMissingSignature
// when the document is not a JSON object or carries no signature at that
// path and ErrInvalidSignature when one is there but does not check out;
// a canonicaljson.NonCanonicalNumberError is passed through as-is.
func VerifyJSON(p Primitive, signingName string, keyID KeyID, publicKey, message []byte) error {
	var object map[string]*json.RawMessage
	var signatures map[string]map[KeyID]json.RawMessage
	if err := json.Unmarshal(message, &object); err != nil {
		return fmt.Errorf("%w: not a JSON object: %s", ErrMissingSignature, err)
	}

	if object["signatures"] == nil {
		return fmt.Errorf("%w: document has no signatures member", ErrMissingSignature)
	}
	if err := json.Unmarshal(*object["signatures"], &signatures); err != nil {
		return fmt.Errorf("%w: malformed signatures member", ErrMissingSignature)
	}
	rawSignature, ok := signatures[signingName][keyID]
	if !ok {
		return fmt.Errorf("%w: no signature from %q with key ID %q", ErrMissingSignature, signingName, keyID)
	}
	var signature Base64String
	if err := json.Unmarshal(rawSignature, &signature); err != nil {
		return fmt.Errorf("%w: signature from %q with key ID %q is not unpadded base64", ErrInvalidSignature, signingName, keyID)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature length from %q with key ID %q", ErrInvalidSignature, signingName, keyID)
	}

	// The signature covers neither "unsigned" nor "signatures".
	delete(object, "unsigned")
	delete(object, "signatures")
	unsorted, err := json.Marshal(object)
	if err != nil {
		return err
	}
	canonical, err := canonicaljson.CanonicalJSON(unsorted)
	if err != nil {
		return err
	}

	if err := orDefault(p).Verify(publicKey, canonical, signature); err != nil {
		return fmt.Errorf("%w from %q with key ID %q: %s", ErrInvalidSignature, signingName, keyID, err)
	}
	return nil
}
