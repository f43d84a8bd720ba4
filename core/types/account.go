package types

import "math/big"

// Account is the ledger record for a single address. Balances are denominated
// in wei (1e18 units per whole token) and expressed as big integers to match
// on-chain precision. CREDIT is the rate-limited fungible credit asset;
// collateral is the single collateral token backing the deployed markets.
type Account struct {
	Nonce             uint64   `json:"nonce"`
	BalanceCredit     *big.Int `json:"balanceCredit"`
	BalanceCollateral *big.Int `json:"balanceCollateral"`
}

// EnsureDefaults populates nil balance fields so JSON round-trips stay safe.
func (a *Account) EnsureDefaults() {
	if a == nil {
		return
	}
	if a.BalanceCredit == nil {
		a.BalanceCredit = big.NewInt(0)
	}
	if a.BalanceCollateral == nil {
		a.BalanceCollateral = big.NewInt(0)
	}
}
