package wallet

import (
	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/btcec/v2"
)

// ContractBuilder defines the interface for deriving the receiving contract
// of a wallet. This allows hosts to swap the default payment contract for a
// custom variant while keeping the settlement flow unchanged.
//
// Implementations must ensure that:
//  1. The returned contract exposes at least one collaborative and one
//     unilateral leaf
//  2. The unilateral leaves respect the provided exit delay
//  3. The contract round-trips through contract.Parse
//
// Example usage:
//
//	type TweakedBuilder struct{ tweak []byte }
//
//	func (b *TweakedBuilder) BuildContract(
//	    userPubKey, signerPubKey *btcec.PublicKey,
//	    exitDelay arklib.RelativeLocktime,
//	) (contract.Contract, error) {
//	    return contract.NewTweakedContract(signerPubKey, userPubKey, b.tweak, exitDelay)
//	}
type ContractBuilder interface {
	// BuildContract creates the contract locking coins received by the
	// wallet.
	//
	// Parameters:
	//   - userPubKey: The wallet's public key
	//   - signerPubKey: The operator's signer public key
	//   - exitDelay: The relative locktime for unilateral exit
	//
	// Returns:
	//   - contract.Contract: The receiving contract
	//   - error: Any error encountered while building the contract
	BuildContract(
		userPubKey *btcec.PublicKey,
		signerPubKey *btcec.PublicKey,
		exitDelay arklib.RelativeLocktime,
	) (contract.Contract, error)
}
