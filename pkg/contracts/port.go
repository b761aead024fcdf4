package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
)

// PortABI is the ABI of the UCS port entry point used to start a transfer
const PortABI = `[
	{
		"inputs": [
			{
				"internalType": "uint32",
				"name": "channelId",
				"type": "uint32"
			},
			{
				"internalType": "uint64",
				"name": "timeoutHeight",
				"type": "uint64"
			},
			{
				"internalType": "uint64",
				"name": "timeoutTimestamp",
				"type": "uint64"
			},
			{
				"internalType": "bytes32",
				"name": "salt",
				"type": "bytes32"
			},
			{
				"components": [
					{
						"internalType": "uint8",
						"name": "version",
						"type": "uint8"
					},
					{
						"internalType": "uint8",
						"name": "opcode",
						"type": "uint8"
					},
					{
						"internalType": "bytes",
						"name": "operand",
						"type": "bytes"
					}
				],
				"internalType": "struct Instruction",
				"name": "instruction",
				"type": "tuple"
			}
		],
		"name": "send",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var portABI = mustParse(PortABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// PackSend encodes the send call of an intent
func PackSend(intent models.TransferIntent) ([]byte, error) {
	data, err := portABI.Pack("send",
		intent.ChannelID,
		intent.TimeoutHeight,
		intent.TimeoutTimestamp,
		intent.Salt,
		intent.Instruction,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack send call: %w", err)
	}
	return data, nil
}

// UnpackSend decodes send calldata back into an intent, without Index and Value
func UnpackSend(data []byte) (models.TransferIntent, error) {
	var intent models.TransferIntent
	if len(data) < 4 {
		return intent, fmt.Errorf("calldata too short")
	}
	method, err := portABI.MethodById(data[:4])
	if err != nil {
		return intent, err
	}
	if method.Name != "send" {
		return intent, fmt.Errorf("unexpected method %s", method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return intent, fmt.Errorf("failed to unpack send call: %w", err)
	}
	var decoded struct {
		ChannelId        uint32
		TimeoutHeight    uint64
		TimeoutTimestamp uint64
		Salt             [32]byte
		Instruction      models.Instruction
	}
	if err := method.Inputs.Copy(&decoded, args); err != nil {
		return intent, fmt.Errorf("failed to copy send arguments: %w", err)
	}

	intent.ChannelID = decoded.ChannelId
	intent.TimeoutHeight = decoded.TimeoutHeight
	intent.TimeoutTimestamp = decoded.TimeoutTimestamp
	intent.Salt = decoded.Salt
	intent.Instruction = decoded.Instruction
	return intent, nil
}

// Value returns the native amount attached to a send of intent
func Value(intent models.TransferIntent) *big.Int {
	if intent.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(intent.Value)
}
