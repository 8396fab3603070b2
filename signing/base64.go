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
	"encoding/base64"
	"encoding/json"
	"strings"
)

// A Base64String is a byte slice that encodes to and from unpadded base64
// when used in JSON or YAML. Key material and signatures cross the wire in
// this form.
type Base64String []byte

// Encode returns the unpadded standard base64 encoding of the bytes.
func (b64 Base64String) Encode() string {
	return base64.RawStdEncoding.EncodeToString(b64)
}

// Decode replaces the contents with the decoded input. Some clients emit
// the URL-safe alphabet, so that is accepted too.
func (b64 *Base64String) Decode(str string) error {
	var err error
	if strings.ContainsAny(str, "-_") {
		*b64, err = base64.RawURLEncoding.DecodeString(str)
	} else {
		*b64, err = base64.RawStdEncoding.DecodeString(str)
	}
	return err
}

// MarshalJSON encodes the bytes as a base64 JSON string. Value receiver so
// that maps and slices of Base64String marshal correctly.
func (b64 Base64String) MarshalJSON() ([]byte, error) {
	// None of the base64 alphabet needs JSON escaping.
	return json.Marshal(b64.Encode())
}

// UnmarshalJSON decodes a JSON string and then the base64 inside it.
func (b64 *Base64String) UnmarshalJSON(raw []byte) error {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return err
	}
	return b64.Decode(str)
}

// MarshalYAML implements yaml.Marshaler. Base64 is a valid YAML string as-is.
func (b64 Base64String) MarshalYAML() (interface{}, error) {
	return b64.Encode(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b64 *Base64String) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	return b64.Decode(str)
}
