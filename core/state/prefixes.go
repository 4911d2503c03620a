package state

var (
	accountPrefix   = []byte("account/")
	invoicePrefix   = []byte("registry/invoice/")
	invoiceCountKey = []byte("registry/invoice-count")
	lockerPrefix    = []byte("registry/locker/")
	mintQuotaPrefix = []byte("registry/mint-quota/")
	verifierPrefix  = []byte("registry/verifier/")
	agentPrefix     = []byte("verification/agent/")
	poolStateKey    = []byte("lendingpool/pool")
	loanPrefix      = []byte("lendingpool/loan/")
	genesisKey      = []byte("genesis/applied")
)
