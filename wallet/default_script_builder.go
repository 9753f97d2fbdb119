package wallet

import (
	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/btcec/v2"
)

// defaultContractBuilder implements ContractBuilder with the payment
// contract: user and operator together, or the user alone after the exit
// delay.
type defaultContractBuilder struct{}

// NewDefaultContractBuilder creates the builder used when the host provides
// none.
func NewDefaultContractBuilder() ContractBuilder {
	return &defaultContractBuilder{}
}

// BuildContract returns a contract.ArkPaymentContract for the given keys.
func (d *defaultContractBuilder) BuildContract(
	userPubKey *btcec.PublicKey,
	signerPubKey *btcec.PublicKey,
	exitDelay arklib.RelativeLocktime,
) (contract.Contract, error) {
	return contract.NewPaymentContract(signerPubKey, userPubKey, exitDelay)
}
