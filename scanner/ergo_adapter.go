package scanner

import (
	"bytes"

	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
)

// registerR4 is the Ergo box register carrying the reserve owner's group
// element, matching the R4/R5 convention the publisher also targets.
const registerR4 = 0x04

// ErgoReserveAdapter implements ReserveContractAdapter for a reserve
// contract template where collateral is the box's nanoERG value, the
// owner is stored as a 33-byte group element in R4, and the reserve's
// nft_id is one of the box's asset entries (spec §6, item 6 of the
// expanded component requirements).
type ErgoReserveAdapter struct {
	// ReserveNFTID, if set, restricts matches to outputs carrying this
	// asset id; a nil value matches by register shape alone.
	ReserveNFTID []byte
}

// Extract implements ReserveContractAdapter.
func (a *ErgoReserveAdapter) Extract(out TxOutput) (owner schnorr.PubKey, collateral uint64, nftID []byte, ok bool) {
	r4, present := out.Registers[registerR4]
	if !present || len(r4) != schnorr.PubKeyLen {
		return owner, 0, nil, false
	}
	if a.ReserveNFTID != nil && !containsAsset(out.AssetIDs, a.ReserveNFTID) {
		return owner, 0, nil, false
	}

	copy(owner[:], r4)
	collateral = out.Value

	for _, id := range out.AssetIDs {
		nftID = id
		break
	}
	return owner, collateral, nftID, true
}

func containsAsset(assetIDs [][]byte, want []byte) bool {
	for _, id := range assetIDs {
		if bytes.Equal(id, want) {
			return true
		}
	}
	return false
}
