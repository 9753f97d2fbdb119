package arksdk

import (
	"bytes"
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/offchain"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ccoveille/go-safecast"
)

// validateOffchainReceivers decodes the receivers, all of them must be ark
// addresses of the operator.
func validateOffchainReceivers(
	receivers []types.Receiver, terms *client.Terms,
) ([]offchain.Receiver, int64, error) {
	expectedSigner := schnorr.SerializePubKey(terms.SignerPubKey)
	res := make([]offchain.Receiver, 0, len(receivers))
	sum := int64(0)
	for _, receiver := range receivers {
		if receiver.IsOnchain() {
			return nil, 0, fmt.Errorf("%w: %s", ErrOnchainReceiver, receiver.To)
		}
		addr, err := contract.DecodeAddress(receiver.To)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid receiver address: %s", err)
		}
		if signer := schnorr.SerializePubKey(addr.Server); !bytes.Equal(signer, expectedSigner) {
			return nil, 0, fmt.Errorf(
				"invalid receiver address '%s': expected signer pubkey %x, got %x",
				receiver.To, expectedSigner, signer,
			)
		}
		amount, err := safecast.ToInt64(receiver.Amount)
		if err != nil || amount <= 0 {
			return nil, 0, fmt.Errorf("invalid amount %d for receiver %s", receiver.Amount, receiver.To)
		}
		res = append(res, offchain.Receiver{Address: addr, Amount: amount})
		sum += amount
	}
	return res, sum, nil
}

func spendableCoinAmount(c *coin.SpendableCoin) int64 {
	return c.Amount()
}

func spendableCoinExpiry(c *coin.SpendableCoin) time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return *c.ExpiresAt
}
