package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

var gasMessages = []string{
	"gas required exceeds allowance",
	"out of gas",
	"intrinsic gas too low",
	"exceeds block gas limit",
}

// revertReason extracts a revert from a node error, decoding Error(string)
// data when the node supplies it.
func revertReason(method string, err error) (*domain.RevertError, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return &domain.RevertError{Method: method, Reason: reason}, true
				}
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), "execution reverted")
	if idx < 0 {
		return nil, false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
	return &domain.RevertError{Method: method, Reason: reason}, true
}

// isNodeError reports whether err was produced by the node rather than the transport.
func isNodeError(err error) bool {
	var re rpc.Error
	return errors.As(err, &re)
}

func isGasError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range gasMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func networkErr(method string, err error) error {
	return fmt.Errorf("chain: %s: %w: %w", method, domain.ErrNetwork, err)
}

// classifyRead maps a read failure to RevertError or NetworkError. parent is
// the caller's context; a deadline that only the read timeout hit is network.
func classifyRead(parent context.Context, method string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if rev, ok := revertReason(method, err); ok {
		return rev
	}
	return networkErr(method, err)
}

// classifyEstimate maps a gas estimation failure. Reverts keep their reason;
// other node rejections are InsufficientGasLimit; transport failures are network.
func classifyEstimate(parent context.Context, method string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if rev, ok := revertReason(method, err); ok {
		return rev
	}
	if isGasError(err) || isNodeError(err) {
		return fmt.Errorf("chain: %s: %w: %s", method, domain.ErrInsufficientGasLimit, err.Error())
	}
	return networkErr(method, err)
}

// classifySend maps a SendTransaction failure. A resend of a transaction the
// node already holds counts as success.
func classifySend(parent context.Context, method string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return nil
	}
	if rev, ok := revertReason(method, err); ok {
		return rev
	}
	if isGasError(err) {
		return fmt.Errorf("chain: %s: %w: %s", method, domain.ErrInsufficientGasLimit, err.Error())
	}
	if isNodeError(err) {
		return fmt.Errorf("chain: %s: %w: %s", method, domain.ErrTransactionFailed, err.Error())
	}
	return networkErr(method, err)
}
