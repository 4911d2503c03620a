package lendingpool

import "math/big"

var basisPoints = big.NewInt(10_000)

const secondsPerYear = 31_536_000

// InterestDue computes simple linear accrual on a principal:
//
//	principal * rateBps/10000 * elapsed/secondsPerYear
//
// The result is truncated toward zero, matching on-chain integer division.
func InterestDue(principal *big.Int, rateBps uint64, elapsedSeconds int64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || elapsedSeconds <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	interest.Mul(interest, big.NewInt(elapsedSeconds))
	interest.Quo(interest, basisPoints)
	return interest.Quo(interest, big.NewInt(secondsPerYear))
}

// maxBorrowable returns the LTV-derived ceiling for a collateral value:
// collateral * ltvBps / 10000.
func maxBorrowable(collateral *big.Int, ltvBps uint64) *big.Int {
	if collateral == nil || collateral.Sign() <= 0 || ltvBps == 0 {
		return big.NewInt(0)
	}
	ceiling := new(big.Int).Mul(collateral, new(big.Int).SetUint64(ltvBps))
	return ceiling.Quo(ceiling, basisPoints)
}
