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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/gomatrixcrypto/canonicaljson"
	"github.com/matrix-org/gomatrixcrypto/devicekeys"
	"github.com/matrix-org/gomatrixcrypto/setup/config"
)

const usage = `Usage: %s

Generates a signed key upload for a Matrix device: the identity keys
document self-signed with the device's ed25519 key, plus however many
one-time keys were asked for. The upload is written to stdout.

Example:

	# generate a signing key on first use and publish ten one-time keys
	%s -user @alice:example.org -private-key device_key.pem -one-time-keys 10
	# sign with the key named by an existing config file
	%s -config device.yaml -signed -one-time-keys 5

Arguments:

`

var (
	configPath     = flag.String("config", "", "A YAML config file describing the account (the other flags override it)")
	userID         = flag.String("user", "", "The user the device belongs to, e.g. '@alice:example.org'")
	deviceID       = flag.String("device", "", "The device ID to publish keys under (a fresh one is minted if not specified)")
	privateKeyFile = flag.String("private-key", "", "An ed25519 private key PEM file to sign with (created if it does not exist)")
	oneTimeKeys    = flag.Int("one-time-keys", 0, "How many one-time keys to include in the upload")
	signedKeys     = flag.Bool("signed", false, "Wrap each one-time key in the signed_curve25519 envelope")
	canonical      = flag.Bool("canonical", false, "Emit the upload as canonical JSON instead of indenting it")
)

func main() {
	name := os.Args[0]
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, usage, name, name, name)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := loadAccountConfig()
	if cfg.UserID == "" {
		flag.Usage()
		os.Exit(1)
	}
	if cfg.PrivateKey == nil {
		loadOrCreateSigningKey(cfg)
	}

	account, err := devicekeys.NewAccount(cfg.UserID, cfg.DeviceID,
		devicekeys.WithSigningKey(cfg.PrivateKey),
		devicekeys.WithAlgorithms(cfg.Algorithms...),
	)
	if err != nil {
		logrus.Fatalln("Failed to create the account:", err.Error())
	}

	// Device keys are published under "ed25519:<device ID>" regardless of
	// what the key file calls the key.
	if keyID := account.SignatureKeyID(); cfg.KeyID != keyID {
		logrus.WithFields(logrus.Fields{
			"stored":     cfg.KeyID,
			"publishing": keyID,
		}).Warn("Publishing signatures under the device ID, not the stored key ID")
	}

	if *oneTimeKeys > 0 {
		if _, err = account.GenerateOneTimeKeys(*oneTimeKeys); err != nil {
			logrus.Fatalln("Failed to generate one-time keys:", err.Error())
		}
	}

	var request *devicekeys.UploadKeysRequest
	if *signedKeys {
		request, err = account.UploadSignedKeysRequest()
	} else {
		request, err = account.UploadKeysRequest()
	}
	if err != nil {
		logrus.Fatalln("Failed to build the key upload:", err.Error())
	}

	output, err := marshalUpload(request)
	if err != nil {
		logrus.Fatalln("Failed to encode the key upload:", err.Error())
	}
	fmt.Println(string(output))
}

// loadAccountConfig reads the config file if one was given and lets the
// flags override it.
func loadAccountConfig() *config.Config {
	var cfg *config.Config
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logrus.Fatalln("Failed to load the config:", err.Error())
		}
	} else {
		cfg = &config.Config{}
		cfg.Defaults(false)
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *privateKeyFile != "" {
		cfg.PrivateKeyPath = config.Path(*privateKeyFile)
		cfg.KeyID, cfg.PrivateKey = "", nil
	}
	return cfg
}

func loadOrCreateSigningKey(cfg *config.Config) {
	path := string(cfg.PrivateKeyPath)
	if path == "" {
		flag.Usage()
		os.Exit(1)
	}
	keyID, privateKey, err := config.LoadSigningKey(path)
	if os.IsNotExist(err) {
		logrus.Infoln("Creating private key file:", path)
		keyID, privateKey, err = config.GenerateSigningKey(path)
	}
	if err != nil {
		logrus.Fatalln("Failed to load the private key:", err.Error())
	}
	cfg.KeyID, cfg.PrivateKey = keyID, privateKey
}

func marshalUpload(request *devicekeys.UploadKeysRequest) ([]byte, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	if *canonical {
		return canonicaljson.CanonicalJSON(raw)
	}
	return json.MarshalIndent(request, "", "  ")
}
