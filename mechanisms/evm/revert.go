package evm

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"
)

// Error(string) selector used by require() reverts.
var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// DecodedError is a revert payload translated into a named cause.
type DecodedError struct {
	Name      string   `json:"name"`
	Selector  string   `json:"selector,omitempty"`
	Got       *big.Int `json:"got,omitempty"`
	Expected  *big.Int `json:"expected,omitempty"`
	Balance   *big.Int `json:"balance,omitempty"`
	Allowance *big.Int `json:"allowance,omitempty"`
	Needed    *big.Int `json:"needed,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Known reports whether the payload matched a known cause.
func (d *DecodedError) Known() bool {
	return d != nil && d.Name != RevertUnknown
}

func (d *DecodedError) String() string {
	if d == nil {
		return ""
	}
	switch d.Name {
	case RevertBadNonce:
		return fmt.Sprintf("%s(got=%s, expected=%s)", d.Name, d.Got, d.Expected)
	case RevertInsufficientBalance:
		return fmt.Sprintf("%s(balance=%s, needed=%s)", d.Name, d.Balance, d.Needed)
	case RevertInsufficientAllowance:
		return fmt.Sprintf("%s(allowance=%s, needed=%s)", d.Name, d.Allowance, d.Needed)
	case RevertErrorString, RevertUnknown:
		if d.Message != "" {
			return fmt.Sprintf("%s: %s", d.Name, d.Message)
		}
	}
	return d.Name
}

type knownRevert struct {
	selector []byte
	err      abi.Error
}

var knownReverts = buildRevertTable(delegateABI, tokenErrorABI)

func buildRevertTable(contracts ...abi.ABI) []knownRevert {
	var table []knownRevert
	for _, contract := range contracts {
		for _, e := range contract.Errors {
			table = append(table, knownRevert{selector: e.ID[:4], err: e})
		}
	}
	return table
}

// ClassifyRevert matches the leading selector of revert data against the known
// causes. Unrecognized payloads yield RevertUnknown carrying rawMessage.
func ClassifyRevert(data []byte, rawMessage string) *DecodedError {
	if len(data) >= 4 {
		selector := data[:4]
		if bytes.Equal(selector, errorStringSelector) {
			if reason, err := abi.UnpackRevert(data); err == nil {
				return &DecodedError{Name: RevertErrorString, Selector: hexSelector(selector), Message: reason}
			}
		}
		for _, known := range knownReverts {
			if !bytes.Equal(selector, known.selector) {
				continue
			}
			decoded := &DecodedError{Name: known.err.Name, Selector: hexSelector(selector)}
			args, err := known.err.Inputs.Unpack(data[4:])
			if err != nil {
				// Selector matched but the arguments are malformed; keep the name.
				return decoded
			}
			switch known.err.Name {
			case RevertBadNonce:
				decoded.Got, decoded.Expected = bigArg(args, 0), bigArg(args, 1)
			case RevertInsufficientBalance:
				decoded.Balance, decoded.Needed = bigArg(args, 1), bigArg(args, 2)
			case RevertInsufficientAllowance:
				decoded.Allowance, decoded.Needed = bigArg(args, 1), bigArg(args, 2)
			}
			return decoded
		}
	}
	return &DecodedError{Name: RevertUnknown, Message: rawMessage}
}

// ClassifyError extracts revert data from a provider error and classifies it.
func ClassifyError(err error) *DecodedError {
	if err == nil {
		return nil
	}
	return ClassifyRevert(RevertData(err), err.Error())
}

// RevertData returns the revert payload carried by a JSON-RPC error, if any.
func RevertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		if !strings.HasPrefix(data, "0x") {
			return nil
		}
		raw, decodeErr := HexToBytes(data)
		if decodeErr != nil {
			return nil
		}
		return raw
	case []byte:
		return data
	}
	return nil
}

func bigArg(args []interface{}, i int) *big.Int {
	if i >= len(args) {
		return nil
	}
	v, _ := args[i].(*big.Int)
	return v
}

func hexSelector(selector []byte) string {
	return "0x" + hex.EncodeToString(selector)
}
