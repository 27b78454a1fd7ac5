package evm

import (
	"errors"
	"math/big"
)

// FeeMode selects how the sponsor transaction prices gas.
type FeeMode string

const (
	FeeModeDynamic FeeMode = "dynamic"
	FeeModeLegacy  FeeMode = "legacy"
)

var (
	errNoBaseFee  = errors.New("network does not expose a base fee")
	errNoGasPrice = errors.New("network did not suggest a gas price")
)

// FeeConfig is the fee part of a sponsor transaction. Dynamic mode sets
// GasTipCap and GasFeeCap; legacy mode sets GasPrice.
type FeeConfig struct {
	Mode      FeeMode  `json:"mode"`
	GasTipCap *big.Int `json:"gasTipCap,omitempty"`
	GasFeeCap *big.Int `json:"gasFeeCap,omitempty"`
	GasPrice  *big.Int `json:"gasPrice,omitempty"`
}

// FeeStep is the tagged result of one fee mode attempt.
type FeeStep struct {
	Mode   FeeMode
	Config *FeeConfig
	Err    error
}

// FeeSelection holds the chosen config and every step that led to it.
type FeeSelection struct {
	Config FeeConfig
	Steps  []FeeStep
}

// SelectFees picks a fee configuration from the network's fee view. Dynamic
// mode is tried first and requires a base fee; legacy mode is the fallback.
// Both modes apply minTip as a floor on the priority fee.
func SelectFees(data *FeeData, minTip *big.Int) (*FeeSelection, error) {
	if data == nil {
		data = &FeeData{}
	}
	tip := priorityFee(data.GasTipCap, minTip)

	selection := &FeeSelection{}

	dynamic := dynamicFees(data, tip)
	selection.Steps = append(selection.Steps, dynamic)
	if dynamic.Err == nil {
		selection.Config = *dynamic.Config
		return selection, nil
	}

	legacy := legacyFees(data, tip)
	selection.Steps = append(selection.Steps, legacy)
	if legacy.Err == nil {
		selection.Config = *legacy.Config
		return selection, nil
	}

	return selection, errors.Join(dynamic.Err, legacy.Err)
}

func dynamicFees(data *FeeData, tip *big.Int) FeeStep {
	if data.BaseFee == nil {
		return FeeStep{Mode: FeeModeDynamic, Err: errNoBaseFee}
	}
	// maxFee = 2*base + tip
	maxFee := new(big.Int).Mul(data.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return FeeStep{
		Mode: FeeModeDynamic,
		Config: &FeeConfig{
			Mode:      FeeModeDynamic,
			GasTipCap: new(big.Int).Set(tip),
			GasFeeCap: maxFee,
		},
	}
}

func legacyFees(data *FeeData, tip *big.Int) FeeStep {
	if data.GasPrice == nil {
		return FeeStep{Mode: FeeModeLegacy, Err: errNoGasPrice}
	}
	return FeeStep{
		Mode: FeeModeLegacy,
		Config: &FeeConfig{
			Mode:     FeeModeLegacy,
			GasPrice: new(big.Int).Add(data.GasPrice, tip),
		},
	}
}

func priorityFee(suggested, floor *big.Int) *big.Int {
	if floor == nil {
		floor = DefaultMinPriorityFee
	}
	if suggested == nil || suggested.Cmp(floor) < 0 {
		return new(big.Int).Set(floor)
	}
	return new(big.Int).Set(suggested)
}
