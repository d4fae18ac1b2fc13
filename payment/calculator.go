// Package payment prices builder payments and enforces the operator's
// spending policy. All amounts are 256-bit wei values; arithmetic overflow
// is an error, never a wrap.
package payment

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// Formula selects how the builder payment is priced.
type Formula string

const (
	// FormulaFlat pays a constant k2 wei per bundle.
	FormulaFlat Formula = "flat"
	// FormulaGas pays k1 wei per unit of estimated gas, plus k2.
	FormulaGas Formula = "gas"
	// FormulaBasefee pays k1 times the estimated gas cost at the current
	// effective gas price, plus k2.
	FormulaBasefee Formula = "basefee"
)

// ParseFormula validates a formula tag from configuration.
func ParseFormula(s string) (Formula, error) {
	switch Formula(s) {
	case FormulaFlat, FormulaGas, FormulaBasefee:
		return Formula(s), nil
	}
	return "", fmt.Errorf("%w: unknown formula %q", ErrInvalidParams, s)
}

var (
	ErrCalculationOverflow = errors.New("payment calculation overflow")
	ErrInvalidParams       = errors.New("invalid payment parameters")
)

// oneEther is the 1e18 fixed-point scale applied to the k1 coefficient.
var oneEther = uint256.NewInt(1_000_000_000_000_000_000)

// Params are the inputs to one payment calculation. Nil amounts are treated
// as zero.
type Params struct {
	GasUsed              uint64
	BaseFeePerGas        *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
	Formula              Formula
	K1                   float64
	K2                   *uint256.Int
	MaxAmount            *uint256.Int
}

// Result is the priced payment. WasCapped reports that the formula output
// exceeded MaxAmount and the cap was returned instead.
type Result struct {
	AmountWei     *uint256.Int
	Formula       Formula
	GasUsed       uint64
	BaseFeePerGas *uint256.Int
	WasCapped     bool
	CalculatedAt  time.Time
}

// Calculate applies the configured formula and cap.
func Calculate(p Params) (*Result, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	var amount *uint256.Int
	switch p.Formula {
	case FormulaFlat:
		amount = new(uint256.Int).Set(orZero(p.K2))
	case FormulaGas:
		scaled, err := scaleK1(p.K1)
		if err != nil {
			return nil, err
		}
		prod, overflow := new(uint256.Int).MulOverflow(scaled, uint256.NewInt(p.GasUsed))
		if overflow {
			return nil, fmt.Errorf("%w: k1 * gas_used", ErrCalculationOverflow)
		}
		prod.Div(prod, oneEther)
		sum, overflow := new(uint256.Int).AddOverflow(prod, orZero(p.K2))
		if overflow {
			return nil, fmt.Errorf("%w: + k2", ErrCalculationOverflow)
		}
		amount = sum
	case FormulaBasefee:
		scaled, err := scaleK1(p.K1)
		if err != nil {
			return nil, err
		}
		effective, overflow := new(uint256.Int).AddOverflow(orZero(p.BaseFeePerGas), orZero(p.MaxPriorityFeePerGas))
		if overflow {
			return nil, fmt.Errorf("%w: effective gas price", ErrCalculationOverflow)
		}
		gasCost, overflow := new(uint256.Int).MulOverflow(effective, uint256.NewInt(p.GasUsed))
		if overflow {
			return nil, fmt.Errorf("%w: gas cost", ErrCalculationOverflow)
		}
		prod, overflow := new(uint256.Int).MulOverflow(gasCost, scaled)
		if overflow {
			return nil, fmt.Errorf("%w: k1 * gas cost", ErrCalculationOverflow)
		}
		prod.Div(prod, oneEther)
		sum, overflow := new(uint256.Int).AddOverflow(prod, orZero(p.K2))
		if overflow {
			return nil, fmt.Errorf("%w: + k2", ErrCalculationOverflow)
		}
		amount = sum
	default:
		return nil, fmt.Errorf("%w: unknown formula %q", ErrInvalidParams, p.Formula)
	}

	res := &Result{
		Formula:       p.Formula,
		GasUsed:       p.GasUsed,
		BaseFeePerGas: p.BaseFeePerGas,
		CalculatedAt:  time.Now().UTC(),
	}
	if amount.Gt(p.MaxAmount) {
		res.AmountWei = new(uint256.Int).Set(p.MaxAmount)
		res.WasCapped = true
	} else {
		res.AmountWei = amount
	}
	return res, nil
}

func validate(p Params) error {
	if p.GasUsed == 0 {
		return fmt.Errorf("%w: gas_used is zero", ErrInvalidParams)
	}
	if p.K1 < 0 {
		return fmt.Errorf("%w: negative k1", ErrInvalidParams)
	}
	if p.MaxAmount == nil || p.MaxAmount.IsZero() {
		return fmt.Errorf("%w: max_amount is zero", ErrInvalidParams)
	}
	return nil
}

// scaleK1 converts the real coefficient into 1e18 fixed-point. The scaled
// value keeps the full 256-bit range; fractions beyond 1e-18 truncate
// toward zero.
func scaleK1(k1 float64) (*uint256.Int, error) {
	f := new(big.Float).SetPrec(256).SetFloat64(k1)
	f.Mul(f, new(big.Float).SetPrec(256).SetInt(oneEther.ToBig()))
	i, _ := f.Int(nil)
	scaled, overflow := uint256.FromBig(i)
	if overflow {
		return nil, fmt.Errorf("%w: k1 out of range", ErrCalculationOverflow)
	}
	return scaled, nil
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}
