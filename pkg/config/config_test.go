package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestParsePrivateKey(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", testKey, false},
		{"empty", "", true},
		{"missing prefix", testKey[2:], true},
		{"too short", "0x1234", true},
		{"non hex", "0x" + "zz" + testKey[4:], true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParsePrivateKey(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, txerr.KindCredentialInvalid, txerr.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, key)
		})
	}
}

func TestGetEnvMaxAttempts(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected int
		wantErr  bool
	}{
		{"default", "", DefaultMaxAttempts, false},
		{"custom", "7", 7, false},
		{"zero", "0", 0, true},
		{"unbounded", "50000000000000000000000", 0, true},
		{"above limit", "101", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MAX_ATTEMPTS", tt.value)
			got, err := GetEnvMaxAttempts()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestGetEnvTransferCount(t *testing.T) {
	t.Setenv("TRANSFER_COUNT_MIN", "5")
	t.Setenv("TRANSFER_COUNT_MAX", "3")
	_, _, err := GetEnvTransferCount()
	assert.Error(t, err)

	t.Setenv("TRANSFER_COUNT_MAX", "9")
	minCount, maxCount, err := GetEnvTransferCount()
	require.NoError(t, err)
	assert.Equal(t, 5, minCount)
	assert.Equal(t, 9, maxCount)
}

func TestParseProfileList(t *testing.T) {
	names, err := ParseProfileList(" SEI-BSC, corn-sei,sei-bsc ,")
	require.NoError(t, err)
	assert.Equal(t, []string{"sei-bsc", "corn-sei"}, names)

	_, err = ParseProfileList("mainnet")
	assert.Error(t, err)

	_, err = ParseProfileList(" , ")
	assert.Error(t, err)
}

func TestBuiltinProfiles(t *testing.T) {
	sei, ok := LookupProfile("sei-bsc")
	require.True(t, ok)
	assert.Equal(t, SeiChainID, sei.ChainID)
	assert.Equal(t, uint32(5), sei.ChannelID)
	assert.Equal(t, 1.5, sei.Fees.Markup)
	assert.Equal(t, 60, sei.Confirmation.MaxRetries)
	assert.Equal(t, 15*time.Second, sei.Confirmation.Max)
	assert.Equal(t, 0, sei.Fees.FallbackMaxFee.Cmp(big.NewInt(30_000_000_000)))

	sepolia, ok := LookupProfile("sepolia-holesky")
	require.True(t, ok)
	require.NotNil(t, sepolia.Token)
	assert.Equal(t, "USDC", sepolia.Token.Symbol)
	assert.Equal(t, uint64(100000), sepolia.Token.ApprovalGasLimit)
	assert.Equal(t, 0, sepolia.Token.ApprovalPriorityFee.Cmp(big.NewInt(1_500_000_000)))
	assert.Equal(t, "https://sepolia.etherscan.io/tx/0xabc", sepolia.TxURL("0xabc"))

	// lookups hand out copies
	sepolia.RPCURLs[0] = "http://mutated"
	again, _ := LookupProfile("sepolia-holesky")
	assert.Equal(t, "https://1rpc.io/sepolia", again.RPCURLs[0])
}

func TestProfileOverrides(t *testing.T) {
	t.Setenv("BSC_BABYLON_RPC_URLS", "http://a.example, http://b.example")
	t.Setenv("BSC_BABYLON_RPC_SELECTION", SelectionFixed)
	t.Setenv("BSC_BABYLON_RPC_INDEX", "1")
	t.Setenv("BSC_BABYLON_OPERAND", "0xdeadbeef")
	t.Setenv("BSC_BABYLON_VALUE", "42")
	t.Setenv("BSC_BABYLON_GAS_LIMIT", "0x30000")

	profiles, err := ResolveProfiles([]string{"bsc-babylon"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	p := profiles[0]
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, p.RPCURLs)
	assert.Equal(t, SelectionFixed, p.RPCSelection)
	assert.Equal(t, 1, p.FixedEndpoint)
	assert.Equal(t, "0xdeadbeef", p.Operand)
	assert.Equal(t, int64(42), p.Value.Int64())
	assert.Equal(t, uint64(0x30000), p.GasLimit)
	assert.NoError(t, ValidateProfile(p))

	t.Setenv("BSC_BABYLON_RPC_SELECTION", "random")
	_, err = ResolveProfiles([]string{"bsc-babylon"})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		t.Setenv("PRIVATE_KEY", "")
		t.Setenv("PROFILES", "corn-sei")
		t.Setenv("CORN_SEI_OPERAND", "0x01")
		_, err := LoadConfig()
		require.Error(t, err)
		assert.Equal(t, txerr.KindCredentialInvalid, txerr.Classify(err))
	})

	t.Run("missing operand", func(t *testing.T) {
		t.Setenv("PRIVATE_KEY", testKey)
		t.Setenv("PROFILES", "corn-sei")
		t.Setenv("CORN_SEI_OPERAND", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "CORN_SEI_OPERAND")
	})

	t.Run("valid", func(t *testing.T) {
		t.Setenv("PRIVATE_KEY", testKey)
		t.Setenv("PROFILES", "corn-sei")
		t.Setenv("CORN_SEI_OPERAND", "0x01")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_FORMAT", "json")
		t.Setenv("WALLET_NAME", "")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, DefaultWalletName, cfg.WalletName)
		assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
		assert.Equal(t, logger.DebugLevel, cfg.LoggerConfig.Level)
		assert.Equal(t, LogFormatJSON, cfg.LoggerConfig.Format)
		require.Len(t, cfg.Profiles, 1)
		assert.Equal(t, CornChainID, cfg.Profiles[0].ChainID)
	})
}
