package credit

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 interest index precision
	tokenUnit   = mustBigInt("1000000000000000000") // wei per whole token
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// bpsShare computes amount × bps / 10_000, truncating toward zero.
func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, basisPoints)
}

// mulDiv computes a × num / den with half-up rounding. den must be positive.
func mulDiv(a, num, den *big.Int) *big.Int {
	if a == nil || num == nil || den == nil || den.Sign() <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, num)
	product.Add(product, halfUp(den))
	return product.Quo(product, den)
}

// debtFromPrincipal rebases a stored accrual base against the movement of the
// market interest index since the base was snapshotted.
func debtFromPrincipal(principal, index, snapshot *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0)
	}
	if index == nil || snapshot == nil || snapshot.Sign() == 0 {
		return cloneBigInt(principal)
	}
	return mulDiv(principal, index, snapshot)
}

// accrueIndex advances a ray-scaled interest index by simple linear proration
// of an annualised basis-point rate over elapsed seconds. Composition across
// successive calls is multiplicative, which is what makes rate changes apply
// prospectively only.
func accrueIndex(index *big.Int, rateBps uint64, elapsed int64) *big.Int {
	if index == nil || index.Sign() == 0 {
		index = ray
	}
	if rateBps == 0 || elapsed <= 0 {
		return cloneBigInt(index)
	}
	growth := new(big.Int).Mul(index, new(big.Int).SetUint64(rateBps))
	growth.Mul(growth, big.NewInt(elapsed))
	den := new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
	growth.Add(growth, halfUp(den))
	growth.Quo(growth, den)
	return new(big.Int).Add(index, growth)
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	return half.Rsh(half, 1)
}
