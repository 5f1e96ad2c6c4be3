package ledger

import "github.com/holiman/uint256"

// BPSDenominator is 100% in basis points.
const BPSDenominator = 10_000

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return 0, ErrOverflow
	}
	return sum.Uint64(), nil
}

// Sub returns a-b, or ErrInsufficientFunds when b > a.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrInsufficientFunds
	}
	return a - b, nil
}

// Mul returns the product of all factors or ErrOverflow.
func Mul(factors ...uint64) (uint64, error) {
	acc := uint256.NewInt(1)
	for _, f := range factors {
		var overflow bool
		acc, overflow = new(uint256.Int).MulOverflow(acc, uint256.NewInt(f))
		if overflow {
			return 0, ErrOverflow
		}
	}
	if !acc.IsUint64() {
		return 0, ErrOverflow
	}
	return acc.Uint64(), nil
}

// MulDiv returns a*b/d with a 256-bit intermediate product, truncating toward zero.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrOverflow
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	q := prod.Div(prod, uint256.NewInt(d))
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// BPS returns amount*bps/10000.
func BPS(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BPSDenominator)
}
