package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InsufficientBalanceError reports a payer whose token balance does not cover
// the transfer.
type InsufficientBalanceError struct {
	Balance *big.Int
	Needed  *big.Int
	// ReadErr is set when the balance could not be read and was treated as zero.
	ReadErr error
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Balance, e.Needed)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return e.ReadErr
}

// CheckBalance confirms the payer holds at least amount of token. A failed
// read counts as a zero balance. Allowances are not checked since the payer's
// own delegated account moves the funds.
func CheckBalance(ctx context.Context, signer SponsorEvmSigner, token, payer common.Address, amount *big.Int) (*big.Int, error) {
	balance, err := signer.GetBalance(ctx, payer.Hex(), token.Hex())
	if err != nil || balance == nil {
		return big.NewInt(0), &InsufficientBalanceError{
			Balance: big.NewInt(0),
			Needed:  new(big.Int).Set(amount),
			ReadErr: err,
		}
	}
	if balance.Cmp(amount) < 0 {
		return balance, &InsufficientBalanceError{
			Balance: new(big.Int).Set(balance),
			Needed:  new(big.Int).Set(amount),
		}
	}
	return balance, nil
}
