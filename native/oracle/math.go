package oracle

import (
	"math/big"

	"github.com/holiman/uint256"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, cerrors.Wrap(cerrors.ErrInvalidFeedAnswer, "answer %s does not fit in uint256", v)
	}
	return out, nil
}

func pow10(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// mulDiv returns x*y/d truncated, rejecting division by zero and overflow.
func mulDiv(x, y, d *uint256.Int) (*big.Int, error) {
	if d.IsZero() {
		return nil, cerrors.Wrap(cerrors.ErrInvalidFeedAnswer, "division by a zero price")
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, cerrors.Wrap(cerrors.ErrInvalidFeedAnswer, "price computation overflow")
	}
	return out.ToBig(), nil
}

// absDiff returns |a-b|.
func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}
