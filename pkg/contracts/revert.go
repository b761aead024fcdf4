package contracts

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// dataError matches rpc errors carrying revert data
type dataError interface {
	ErrorData() interface{}
}

// DecodeRevert extracts a human readable reason from a replayed call. Nodes
// either return the revert payload as call output or as error data.
func DecodeRevert(output []byte, callErr error) string {
	if callErr == nil {
		if reason, err := abi.UnpackRevert(output); err == nil {
			return reason
		}
		return ""
	}

	var de dataError
	if errors.As(callErr, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if data, err := hexutil.Decode(raw); err == nil {
				if reason, err := abi.UnpackRevert(data); err == nil {
					return reason
				}
			}
		}
	}

	msg := callErr.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimPrefix(msg[idx+len("execution reverted"):], ":")
		if reason = strings.TrimSpace(reason); reason != "" {
			return reason
		}
		return "execution reverted"
	}
	return ""
}
