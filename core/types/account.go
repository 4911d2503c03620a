package types

import "math/big"

// Account tracks a participant's balance in the pool's lending denomination
// together with the count of invoice records they hold in custody.
type Account struct {
	Nonce        uint64   `json:"nonce"`
	Balance      *big.Int `json:"balance"`
	InvoicesHeld uint64   `json:"invoicesHeld"`
}
