// Package payload builds transfer intents from a profile and the sending account.
package payload

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
)

// AddressPlaceholder is replaced in operands with the sender address, lowercase and without 0x
const AddressPlaceholder = "{address}"

// TimeoutWindow is how long after submission the transfer may still be received
const TimeoutWindow = 24 * time.Hour

// Composer produces intents for one profile and account
type Composer struct {
	sender    common.Address
	channelID uint32
	version   uint8
	opcode    uint8
	operand   []byte
	value     *big.Int
	now       func() time.Time
}

// NewComposer decodes the profile operand for sender
func NewComposer(profile config.Profile, sender common.Address) (*Composer, error) {
	operand, err := ExpandOperand(profile.Operand, sender)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile.Name, err)
	}
	value := new(big.Int)
	if profile.Value != nil {
		value.Set(profile.Value)
	}
	return &Composer{
		sender:    sender,
		channelID: profile.ChannelID,
		version:   profile.InstructionVer,
		opcode:    profile.InstructionOpcode,
		operand:   operand,
		value:     value,
		now:       time.Now,
	}, nil
}

// ExpandOperand substitutes the sender into a hex operand and decodes it
func ExpandOperand(raw string, sender common.Address) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("operand is empty")
	}
	addr := strings.ToLower(strings.TrimPrefix(sender.Hex(), "0x"))
	raw = strings.ReplaceAll(raw, AddressPlaceholder, addr)
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	operand, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid operand hex: %w", err)
	}
	return operand, nil
}

// Compose builds the intent for the given 1-based transfer index
func (c *Composer) Compose(index int) models.TransferIntent {
	now := c.now()
	operand := make([]byte, len(c.operand))
	copy(operand, c.operand)

	return models.TransferIntent{
		Index:            index,
		ChannelID:        c.channelID,
		TimeoutHeight:    0,
		TimeoutTimestamp: uint64(now.Add(TimeoutWindow).UnixNano()),
		Salt:             Salt(c.sender, now),
		Instruction: models.Instruction{
			Version: c.version,
			Opcode:  c.opcode,
			Operand: operand,
		},
		Value: new(big.Int).Set(c.value),
	}
}

// Salt is keccak256 of the packed sender address and the unix second
func Salt(sender common.Address, at time.Time) [32]byte {
	seconds := math.U256Bytes(big.NewInt(at.Unix()))
	return crypto.Keccak256Hash(sender.Bytes(), seconds)
}
