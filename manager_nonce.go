package txengine

import (
	"github.com/KyberNetwork/logger"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/nonce"
)

// leaseNonce reserves the nonce of the next attempt on account chains. Slot
// chains carry no nonce and get nil.
func (e *Engine) leaseNonce(x *execution, offset uint64) (*nonce.Lease, error) {
	if x.network.Descriptor.AddressModel != chain.AccountNonce {
		return nil, nil
	}
	l, err := e.nonces.Lease(x.ctx, x.signer, x.network.Descriptor.ID, offset)
	if err != nil {
		return nil, err
	}
	e.metrics.LeaseIssued(string(l.ChainID))
	x.update(func(rec *TransactionRecord) {
		cp := l
		rec.NonceLease = &cp
	})
	return &l, nil
}

// releaseNonce settles a lease. A nil lease is a no-op.
func (e *Engine) releaseNonce(l *nonce.Lease, outcome nonce.Outcome) {
	if l == nil {
		return
	}
	e.nonces.Release(l.SignerAddress, l.ChainID, l.Nonce, outcome)
	logger.WithFields(logger.Fields{
		"signer":   l.SignerAddress,
		"chain_id": l.ChainID,
		"nonce":    l.Nonce,
		"outcome":  outcome.String(),
	}).Debug("engine: nonce released")
}
