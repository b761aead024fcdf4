package config

import (
	"crypto/ecdsa"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
)

var privateKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ParsePrivateKey validates the 0x-prefixed hex signing key and decodes it
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &txerr.CredentialInvalid{Reason: "PRIVATE_KEY environment variable is required"}
	}
	if !privateKeyPattern.MatchString(raw) {
		return nil, &txerr.CredentialInvalid{Reason: "PRIVATE_KEY must be 0x followed by 64 hex characters"}
	}
	key, err := crypto.HexToECDSA(raw[2:])
	if err != nil {
		return nil, &txerr.CredentialInvalid{Reason: err.Error()}
	}
	return key, nil
}
