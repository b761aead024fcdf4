package testutil

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	DefaultTestTimeout = 5 * time.Second

	// SimulatedChainID is the chain id of the simulated backend
	SimulatedChainID = 1337
)

// NewAccount generates a fresh signing account
func NewAccount(t *testing.T, label string) models.Account {
	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")
	return models.NewAccount(key, label)
}

// SetupSimulation creates a simulated chain with one funded account.
// Blocks are committed every interval until the test ends.
func SetupSimulation(t *testing.T, interval time.Duration) (*simulated.Backend, models.Account) {
	account := NewAccount(t, "sim")

	//nolint:SA1019 // Using deprecated GenesisAccount for compatibility
	alloc := map[common.Address]core.GenesisAccount{
		account.Address: {Balance: CreateBigInt("10000000000000000000")}, // 10 ETH
	}
	sim := simulated.NewBackend(alloc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sim.Commit()
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = sim.Close()
	})
	return sim, account
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// CreateBigInt parses a string into a big.Int
func CreateBigInt(value string) *big.Int {
	result := new(big.Int)
	result.SetString(value, 10)
	return result
}

// AssertBigIntEqual compares two big.Int values for equality in tests
func AssertBigIntEqual(t *testing.T, expected, actual *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	if expected == nil && actual == nil {
		return
	}
	if expected == nil || actual == nil {
		assert.Fail(t, "Values not equal", msgAndArgs...)
		return
	}
	assert.Equal(t, 0, expected.Cmp(actual), msgAndArgs...)
}

// TestContext returns a context bounded by DefaultTestTimeout
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	t.Cleanup(cancel)
	return ctx
}
