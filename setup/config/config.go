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

// Package config loads the YAML description of a device account and the
// PEM-encoded ed25519 signing key it points at.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
	"gopkg.in/yaml.v2"

	"github.com/matrix-org/gomatrixcrypto/devicekeys"
	"github.com/matrix-org/gomatrixcrypto/signing"
)

// A Path on disk. Relative paths are resolved against the directory the
// config file was loaded from.
type Path string

// Config describes the device account that keys are generated and signed
// for.
type Config struct {
	// The user the device belongs to, e.g. '@alice:example.org'.
	UserID string `yaml:"user_id"`

	// The ID the device publishes keys under. A fresh one is minted when
	// this is left empty.
	DeviceID string `yaml:"device_id"`

	// Session algorithms the device advertises. Defaults to the olm and
	// megolm algorithms when empty.
	Algorithms []string `yaml:"algorithms"`

	// Path to the private key which will be used to sign the published
	// keys.
	PrivateKeyPath Path `yaml:"private_key"`

	// The private key loaded from PrivateKeyPath.
	PrivateKey ed25519.PrivateKey `yaml:"-"`

	// An arbitrary string used to uniquely identify the PrivateKey. Must
	// start with the prefix "ed25519:".
	KeyID signing.KeyID `yaml:"-"`
}

// ConfigErrors collects the problems found while checking a config.
type ConfigErrors []string

// Add appends a problem to the list.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// Load reads the YAML config file at configPath along with the signing key
// it names.
func Load(configPath string) (*Config, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	// Pass the directory and os.ReadFile so that they can be mocked in
	// the tests.
	return loadConfig(basePath, configData, os.ReadFile)
}

func loadConfig(
	basePath string,
	configData []byte,
	readFile func(string) ([]byte, error),
) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	config.Defaults(false)

	var configErrs ConfigErrors
	config.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}

	privateKeyPath := absPath(basePath, config.PrivateKeyPath)
	privateKeyData, err := readFile(privateKeyPath)
	if err != nil {
		return nil, err
	}
	if config.KeyID, config.PrivateKey, err = readKeyPEM(privateKeyPath, privateKeyData); err != nil {
		return nil, err
	}

	return &config, nil
}

// Defaults fills in whatever can be defaulted. With generate set it also
// invents the placeholders a starter config needs, leaving DeviceID empty
// so that a fresh one is minted on first use.
func (c *Config) Defaults(generate bool) {
	if len(c.Algorithms) == 0 {
		c.Algorithms = devicekeys.DefaultAlgorithms
	}
	if generate {
		if c.UserID == "" {
			c.UserID = "@localhost:localhost"
		}
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = "device_key.pem"
		}
	}
}

// Verify adds a problem for every required key that is missing.
func (c *Config) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "user_id", c.UserID)
	checkNotEmpty(configErrs, "private_key", string(c.PrivateKeyPath))
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func absPath(dir string, path Path) string {
	if filepath.IsAbs(string(path)) {
		// filepath.Join cleans the path so we should clean the absolute paths as well for consistency.
		return filepath.Clean(string(path))
	}
	return filepath.Join(dir, string(path))
}

// LoadSigningKey reads an ed25519 signing key from the PEM file at path.
func LoadSigningKey(path string) (signing.KeyID, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return readKeyPEM(path, data)
}

func readKeyPEM(path string, data []byte) (signing.KeyID, ed25519.PrivateKey, error) {
	for {
		var keyBlock *pem.Block
		keyBlock, data = pem.Decode(data)
		if keyBlock == nil {
			return "", nil, errors.Errorf("no matrix private key PEM data in %q", path)
		}
		if keyBlock.Type == "MATRIX PRIVATE KEY" {
			keyID := keyBlock.Headers["Key-ID"]
			if keyID == "" {
				return "", nil, errors.Errorf("missing key ID in PEM data in %q", path)
			}
			if !strings.HasPrefix(keyID, "ed25519:") {
				return "", nil, errors.Errorf("key ID %q doesn't start with \"ed25519:\" in %q", keyID, path)
			}
			_, privateKey, err := ed25519.GenerateKey(bytes.NewReader(keyBlock.Bytes))
			if err != nil {
				return "", nil, err
			}
			return signing.KeyID(keyID), privateKey, nil
		}
	}
}

// SaveSigningKey writes the seed of privateKey to path as a PEM block
// that LoadSigningKey can read back.
func SaveSigningKey(path string, keyID signing.KeyID, privateKey ed25519.PrivateKey) (err error) {
	if !strings.HasPrefix(string(keyID), "ed25519:") {
		return errors.Errorf("key ID %q doesn't start with \"ed25519:\"", keyID)
	}
	keyOut, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	defer (func() {
		if cerr := keyOut.Close(); err == nil {
			err = cerr
		}
	})()

	return pem.Encode(keyOut, &pem.Block{
		Type: "MATRIX PRIVATE KEY",
		Headers: map[string]string{
			"Key-ID": string(keyID),
		},
		Bytes: privateKey.Seed(),
	})
}

// GenerateSigningKey mints a fresh ed25519 signing key, writes it to path
// and returns it. The key ID is derived from the key material.
func GenerateSigningKey(path string) (signing.KeyID, ed25519.PrivateKey, error) {
	var data [35]byte
	if _, err := rand.Read(data[:]); err != nil {
		return "", nil, err
	}

	id := base64.RawURLEncoding.EncodeToString(data[:])
	id = strings.ReplaceAll(id, "-", "")
	id = strings.ReplaceAll(id, "_", "")
	keyID := signing.KeyID("ed25519:" + id[:6])

	privateKey := ed25519.NewKeyFromSeed(data[3:])
	if err := SaveSigningKey(path, keyID, privateKey); err != nil {
		return "", nil, err
	}
	return keyID, privateKey, nil
}
