package signing

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestBase64StringDecodeURLSafe(t *testing.T) {
	// "??>" encodes to "Pz8+" in the standard alphabet and "Pz8-" in the
	// URL-safe one; both spellings appear in the wild.
	var std, url Base64String
	if err := std.Decode("Pz8+"); err != nil {
		t.Fatal(err)
	}
	if err := url.Decode("Pz8-"); err != nil {
		t.Fatal(err)
	}
	if string(std) != "??>" || string(url) != "??>" {
		t.Errorf("decoded %q and %q, want %q", std, url, "??>")
	}

	var padded Base64String
	if err := padded.Decode("Pz8+="); err == nil {
		t.Error("expected an error for padded base64")
	}
}

func TestBase64StringJSON(t *testing.T) {
	keys := map[KeyID]Base64String{"ed25519:1": Base64String("\x01\x02\x03")}
	encoded, err := json.Marshal(keys)
	if err != nil {
		t.Fatal(err)
	}
	if string(encoded) != `{"ed25519:1":"AQID"}` {
		t.Errorf("marshalled to %s", encoded)
	}

	var decoded map[KeyID]Base64String
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if string(decoded["ed25519:1"]) != "\x01\x02\x03" {
		t.Errorf("decoded to %v", decoded)
	}
}

func TestBase64StringYAML(t *testing.T) {
	var out struct {
		Key Base64String `yaml:"key"`
	}
	if err := yaml.Unmarshal([]byte("key: AQID\n"), &out); err != nil {
		t.Fatal(err)
	}
	if string(out.Key) != "\x01\x02\x03" {
		t.Errorf("decoded to %v", out.Key)
	}
}
