package signing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/gomatrixcrypto/canonicaljson"
)

// Key material from the worked signing example in the Matrix spec
// appendices: the seed below with entity "domain" and key ID "ed25519:1"
// produces the published signatures.
const testSigningSeed = "YJDBA9Xnr2sVqXD9Vj7XVUnmFZcZrlw8Md7kMW+3XA1"

const (
	signedEmptyJSON = `{
		"signatures": {
			"domain": {
				"ed25519:1": "K8280/U9SSy9IVtjBuVeLr+HpOB4BQFWbg+UZaADMtTdGYI7Geitb76LTrr5QV/7Xg4ahLwYGYZzuHGZKM5ZAQ"
			}
		}
	}`
	signedOneTwoJSON = `{
		"one": 1,
		"signatures": {
			"domain": {
				"ed25519:1": "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw"
			}
		},
		"two": "Two"
	}`
)

func testVectorKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed, err := base64.RawStdEncoding.DecodeString(testSigningSeed)
	if err != nil {
		t.Fatal(err)
	}
	publicKey, privateKey, err := ed25519.GenerateKey(bytes.NewBuffer(seed))
	if err != nil {
		t.Fatal(err)
	}
	return publicKey, privateKey
}

func assertJSONEqual(t *testing.T, got, want []byte) {
	t.Helper()
	canonicalGot, err := canonicaljson.CanonicalJSON(got)
	if err != nil {
		t.Fatal(err)
	}
	canonicalWant, err := canonicaljson.CanonicalJSON(want)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(canonicalGot, canonicalWant) {
		t.Errorf("got %s, want %s", canonicalGot, canonicalWant)
	}
}

func TestSignJSONTestVectors(t *testing.T) {
	_, privateKey := testVectorKeys(t)

	testSign := func(input, want string) {
		signed, err := SignJSON(nil, "domain", "ed25519:1", privateKey, []byte(input))
		if err != nil {
			t.Fatalf("SignJSON(%q): %v", input, err)
		}
		assertJSONEqual(t, signed, []byte(want))
	}

	testSign(`{}`, signedEmptyJSON)
	testSign(`{"one": 1, "two": "Two"}`, signedOneTwoJSON)
}

func TestSignJSONSkipsUnsigned(t *testing.T) {
	_, privateKey := testVectorKeys(t)

	// The "unsigned" member must not affect the signature but must survive
	// into the signed document.
	signed, err := SignJSON(nil, "domain", "ed25519:1", privateKey,
		[]byte(`{"one": 1, "two": "Two", "unsigned": {"age_ts": 1000000}}`))
	if err != nil {
		t.Fatal(err)
	}
	assertJSONEqual(t, signed, []byte(`{
		"one": 1,
		"signatures": {
			"domain": {
				"ed25519:1": "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw"
			}
		},
		"two": "Two",
		"unsigned": {"age_ts": 1000000}
	}`))
}

func TestSignJSONKeepsOtherSignatures(t *testing.T) {
	publicKey, privateKey := testVectorKeys(t)
	otherPublic, otherPrivate, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	once, err := SignJSON(nil, "domain", "ed25519:1", privateKey, []byte(`{"one": 1, "two": "Two"}`))
	if err != nil {
		t.Fatal(err)
	}
	twice, err := SignJSON(nil, "otherdomain", "ed25519:2", otherPrivate, once)
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyJSON(nil, "domain", "ed25519:1", publicKey, twice); err != nil {
		t.Errorf("first signature lost after re-signing: %v", err)
	}
	if err := VerifyJSON(nil, "otherdomain", "ed25519:2", otherPublic, twice); err != nil {
		t.Errorf("second signature does not verify: %v", err)
	}

	keyIDs, err := ListKeyIDs("domain", twice)
	if err != nil {
		t.Fatal(err)
	}
	if len(keyIDs) != 1 || keyIDs[0] != "ed25519:1" {
		t.Errorf("ListKeyIDs: got %v, want [ed25519:1]", keyIDs)
	}
}

func TestVerifyJSONTestVectors(t *testing.T) {
	publicKey, _ := testVectorKeys(t)

	testVerifyOK := func(input string) {
		t.Helper()
		if err := VerifyJSON(nil, "domain", "ed25519:1", publicKey, []byte(input)); err != nil {
			t.Fatal(err)
		}
	}
	testVerifyFails := func(reason, input string, want error) {
		t.Helper()
		err := VerifyJSON(nil, "domain", "ed25519:1", publicKey, []byte(input))
		if err == nil {
			t.Fatalf("expected verification of %v to fail because %v", input, reason)
		}
		if want != nil && !errors.Is(err, want) {
			t.Fatalf("verification of %v: got error %q, want %q", input, err, want)
		}
	}

	testVerifyOK(signedEmptyJSON)
	testVerifyOK(signedOneTwoJSON)

	// Volatile members are outside the signature.
	testVerifyOK(`{
		"one": 1,
		"signatures": {
			"domain": {
				"ed25519:1": "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw"
			}
		},
		"two": "Two",
		"unsigned": {"anything": "at all"}
	}`)

	testVerifyFails("the signed content changed", `{
		"one": 2,
		"signatures": {
			"domain": {
				"ed25519:1": "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw"
			}
		},
		"two": "Two"
	}`, ErrInvalidSignature)

	testVerifyFails("the document is an array", `[1, 2, 3]`, ErrMissingSignature)
	testVerifyFails("the document is a string", `"just a string"`, ErrMissingSignature)
	testVerifyFails("the document is a number", `42`, ErrMissingSignature)
	testVerifyFails("there are no signatures", `{"one": 1, "two": "Two"}`, ErrMissingSignature)
	testVerifyFails("the signatures member is not an object",
		`{"one": 1, "signatures": 42, "two": "Two"}`, ErrMissingSignature)
	testVerifyFails("the entity has not signed",
		`{"signatures": {"elsewhere": {"ed25519:1": "K8280/U9SSy9IVtjBuVeLr+HpOB4BQFWbg+UZaADMtTdGYI7Geitb76LTrr5QV/7Xg4ahLwYGYZzuHGZKM5ZAQ"}}}`,
		ErrMissingSignature)
	testVerifyFails("the key ID is missing",
		`{"signatures": {"domain": {"ed25519:2": "K8280/U9SSy9IVtjBuVeLr+HpOB4BQFWbg+UZaADMtTdGYI7Geitb76LTrr5QV/7Xg4ahLwYGYZzuHGZKM5ZAQ"}}}`,
		ErrMissingSignature)
	testVerifyFails("the signature is not base64",
		`{"signatures": {"domain": {"ed25519:1": "not base64!!"}}}`, ErrInvalidSignature)
	testVerifyFails("the signature is too short",
		`{"signatures": {"domain": {"ed25519:1": "c2hvcnQ"}}}`, ErrInvalidSignature)
	testVerifyFails("the signature bytes are wrong", `{
		"signatures": {
			"domain": {
				"ed25519:1": "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw"
			}
		}
	}`, ErrInvalidSignature)

	// A valid signature checked against somebody else's key.
	otherPublic, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	err = VerifyJSON(nil, "domain", "ed25519:1", otherPublic, []byte(signedEmptyJSON))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("wrong public key: got error %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyJSONRejectsNonCanonicalNumbers(t *testing.T) {
	publicKey, privateKey := testVectorKeys(t)

	signed, err := SignJSON(nil, "domain", "ed25519:1", privateKey, []byte(`{"level": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	// Rewrite the signed value to a float. The document must be rejected
	// before any signature comparison happens.
	tampered := bytes.Replace(signed, []byte(`"level":1`), []byte(`"level":1.0`), 1)

	err = VerifyJSON(nil, "domain", "ed25519:1", publicKey, tampered)
	var numErr canonicaljson.NonCanonicalNumberError
	if !errors.As(err, &numErr) {
		t.Fatalf("got error %v, want a NonCanonicalNumberError", err)
	}
}

func TestStripped(t *testing.T) {
	document := []byte(`{"a":1,"content":{"signatures":"kept","unsigned":"kept"},"signatures":{"domain":{"ed25519:1":"sig"}},"unsigned":{"age_ts":1}}`)
	original := append([]byte(nil), document...)

	stripped, err := Stripped(document)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"content":{"signatures":"kept","unsigned":"kept"}}`
	assertJSONEqual(t, stripped, []byte(want))

	if !bytes.Equal(document, original) {
		t.Error("Stripped modified its input")
	}
}

func TestAttachSignature(t *testing.T) {
	publicKey, _ := testVectorKeys(t)

	var signature Base64String
	if err := signature.Decode("K8280/U9SSy9IVtjBuVeLr+HpOB4BQFWbg+UZaADMtTdGYI7Geitb76LTrr5QV/7Xg4ahLwYGYZzuHGZKM5ZAQ"); err != nil {
		t.Fatal(err)
	}

	attached, err := AttachSignature([]byte(`{}`), "domain", "ed25519:1", signature)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyJSON(nil, "domain", "ed25519:1", publicKey, attached); err != nil {
		t.Errorf("attached signature does not verify: %v", err)
	}

	// Attaching on top of an existing signature keeps both.
	attached, err = AttachSignature(attached, "otherdomain", "ed25519:2", signature)
	if err != nil {
		t.Fatal(err)
	}
	for _, entity := range []string{"domain", "otherdomain"} {
		keyIDs, err := ListKeyIDs(entity, attached)
		if err != nil {
			t.Fatal(err)
		}
		if len(keyIDs) != 1 {
			t.Errorf("ListKeyIDs(%q): got %v, want one key ID", entity, keyIDs)
		}
	}
}
