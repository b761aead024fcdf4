package config

import (
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// PortAddress is the UCS port contract deployed at the same address on every supported testnet
	PortAddress = "0x5FbE74A283f7954f10AA04C2eDf55578811aeb03"

	// RPC endpoint selection modes
	SelectionRoundRobin = "round-robin"
	SelectionFixed      = "fixed"

	SepoliaChainID = 11155111
	HoleskyChainID = 17000
	SeiChainID     = 1328
	BSCChainID     = 97
	CornChainID    = 21000001

	SepoliaUSDCAddress = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	HoleskyLINKAddress = "0x685ce6742351ae9b618f383883d6d1e0c5a31b4b"
)

// BackoffConfig configures a capped exponential polling loop
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	MaxRetries int
}

// FeeConfig configures fee estimation for a profile
type FeeConfig struct {
	// Markup is applied to every fee field read from the node
	Markup float64
	// LegacyPriorityFactor derives a priority fee from a legacy gas price
	LegacyPriorityFactor float64
	// PreferLegacy sends type-0 transactions when the chain has no base fee
	PreferLegacy        bool
	MinPriorityFee      *big.Int
	FallbackMaxFee      *big.Int
	FallbackPriorityFee *big.Int
	// MaxFeeCap clamps the bid when set
	MaxFeeCap *big.Int
}

// TokenConfig describes the ERC-20 approval a profile needs before sending
type TokenConfig struct {
	Symbol              string
	Address             common.Address
	ApprovalGasLimit    uint64
	ApprovalMaxFee      *big.Int
	ApprovalPriorityFee *big.Int
}

// DelayConfig bounds the randomized pause between transfers
type DelayConfig struct {
	Min time.Duration
	Max time.Duration
}

// Profile is one deployment: a source chain, its port contract call shape and its timing profile
type Profile struct {
	Name              string
	ChainID           int
	RPCURLs           []string
	RPCSelection      string
	FixedEndpoint     int
	PortAddress       common.Address
	ChannelID         uint32
	GasLimit          uint64
	Value             *big.Int
	InstructionVer    uint8
	InstructionOpcode uint8
	Operand           string
	Fees              FeeConfig
	Confirmation      BackoffConfig
	Correlation       BackoffConfig
	Delay             DelayConfig
	Token             *TokenConfig
	ExplorerURL       string
	LowBalanceWarning *big.Int
}

// EnvPrefix returns the environment variable prefix used for profile overrides
func (p Profile) EnvPrefix() string {
	return strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
}

// TxURL returns the explorer link for a transaction hash
func (p Profile) TxURL(hash string) string {
	if p.ExplorerURL == "" {
		return hash
	}
	return strings.TrimRight(p.ExplorerURL, "/") + "/tx/" + hash
}

// AddressURL returns the explorer link for an account
func (p Profile) AddressURL(address string) string {
	if p.ExplorerURL == "" {
		return address
	}
	return strings.TrimRight(p.ExplorerURL, "/") + "/address/" + address
}

func gwei(v float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(1e9))
	out, _ := f.Int(nil)
	return out
}

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		panic("invalid wei literal " + s)
	}
	return v
}

func defaultFees() FeeConfig {
	return FeeConfig{
		Markup:               1.2,
		LegacyPriorityFactor: 1.1,
		FallbackMaxFee:       gwei(5),
		FallbackPriorityFee:  gwei(1.5),
	}
}

func defaultConfirmation() BackoffConfig {
	return BackoffConfig{Initial: 3 * time.Second, Multiplier: 1.5, Max: 15 * time.Second, MaxRetries: 40}
}

func defaultCorrelation() BackoffConfig {
	return BackoffConfig{Initial: 5 * time.Second, Multiplier: 1.5, Max: 20 * time.Second, MaxRetries: 40}
}

func approvalToken(symbol, address string) *TokenConfig {
	return &TokenConfig{
		Symbol:              symbol,
		Address:             common.HexToAddress(address),
		ApprovalGasLimit:    100000,
		ApprovalMaxFee:      gwei(5),
		ApprovalPriorityFee: gwei(1.5),
	}
}

// builtinProfiles returns fresh copies of the supported deployments
func builtinProfiles() map[string]Profile {
	port := common.HexToAddress(PortAddress)

	sepolia := Profile{
		Name:              "sepolia-holesky",
		ChainID:           SepoliaChainID,
		RPCURLs:           []string{"https://1rpc.io/sepolia"},
		RPCSelection:      SelectionRoundRobin,
		PortAddress:       port,
		ChannelID:         8,
		GasLimit:          500000,
		Value:             big.NewInt(0),
		InstructionOpcode: 2,
		Fees:              defaultFees(),
		Confirmation:      defaultConfirmation(),
		Correlation:       defaultCorrelation(),
		Delay:             DelayConfig{Min: 3 * time.Second, Max: 5 * time.Second},
		Token:             approvalToken("USDC", SepoliaUSDCAddress),
		ExplorerURL:       "https://sepolia.etherscan.io",
		LowBalanceWarning: wei("10000000000000000"),
	}
	sepolia.Correlation.MaxRetries = 50

	holesky := Profile{
		Name:              "holesky-xion",
		ChainID:           HoleskyChainID,
		RPCURLs:           []string{"https://ethereum-holesky-rpc.publicnode.com"},
		RPCSelection:      SelectionRoundRobin,
		PortAddress:       port,
		ChannelID:         4,
		GasLimit:          500000,
		Value:             big.NewInt(0),
		InstructionOpcode: 2,
		Fees:              defaultFees(),
		Confirmation:      defaultConfirmation(),
		Correlation:       defaultCorrelation(),
		Delay:             DelayConfig{Min: 3 * time.Second, Max: 5 * time.Second},
		Token:             approvalToken("LINK", HoleskyLINKAddress),
		ExplorerURL:       "https://holesky.etherscan.io",
		LowBalanceWarning: wei("10000000000000000"),
	}
	holesky.Correlation.MaxRetries = 50

	seiFees := defaultFees()
	seiFees.Markup = 1.5
	seiFees.FallbackMaxFee = gwei(30)
	seiFees.FallbackPriorityFee = gwei(2)
	sei := Profile{
		Name:              "sei-bsc",
		ChainID:           SeiChainID,
		RPCURLs:           []string{"https://evm-rpc-testnet.sei-apis.com"},
		RPCSelection:      SelectionRoundRobin,
		PortAddress:       port,
		ChannelID:         5,
		GasLimit:          1000000,
		Value:             new(big.Int).Add(wei("0x9184e72a000"), wei("0x273b2149e602a02")),
		InstructionOpcode: 2,
		Fees:              seiFees,
		Confirmation:      defaultConfirmation(),
		Correlation:       defaultCorrelation(),
		Delay:             DelayConfig{Min: 2 * time.Second, Max: 4 * time.Second},
		ExplorerURL:       "https://seitrace.com",
		LowBalanceWarning: wei("10000000000000000"),
	}
	sei.Confirmation.MaxRetries = 60

	bscFees := defaultFees()
	bscFees.PreferLegacy = true
	bsc := Profile{
		Name:              "bsc-babylon",
		ChainID:           BSCChainID,
		RPCURLs:           []string{"https://bsc-testnet-rpc.publicnode.com"},
		RPCSelection:      SelectionRoundRobin,
		PortAddress:       port,
		ChannelID:         1,
		GasLimit:          0x27e7b,
		Value:             wei("1000000000000"),
		InstructionOpcode: 2,
		Fees:              bscFees,
		Confirmation:      defaultConfirmation(),
		Correlation:       defaultCorrelation(),
		Delay:             DelayConfig{Min: 100 * time.Millisecond, Max: 1100 * time.Millisecond},
		ExplorerURL:       "https://testnet.bscscan.com",
		LowBalanceWarning: wei("10000000000000000"),
	}

	corn := Profile{
		Name:              "corn-sei",
		ChainID:           CornChainID,
		RPCURLs:           []string{"https://testnet.corn-rpc.com"},
		RPCSelection:      SelectionRoundRobin,
		PortAddress:       port,
		ChannelID:         3,
		GasLimit:          0x21534,
		Value:             wei("10000000"),
		InstructionOpcode: 2,
		Fees:              defaultFees(),
		Confirmation:      defaultConfirmation(),
		Correlation:       defaultCorrelation(),
		Delay:             DelayConfig{Min: 100 * time.Millisecond, Max: 1100 * time.Millisecond},
		ExplorerURL:       "https://testnet.cornscan.io",
		LowBalanceWarning: wei("10000000000000000"),
	}

	return map[string]Profile{
		sepolia.Name: sepolia,
		holesky.Name: holesky,
		sei.Name:     sei,
		bsc.Name:     bsc,
		corn.Name:    corn,
	}
}

// ProfileNames returns the names of the built-in profiles in sorted order
func ProfileNames() []string {
	profiles := builtinProfiles()
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupProfile returns a copy of a built-in profile
func LookupProfile(name string) (Profile, bool) {
	p, ok := builtinProfiles()[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}
