package types

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// walletTxTypeHash domain-separates wallet transaction digests from any other
// keccak256 preimage signed by the same keys.
var walletTxTypeHash = crypto.Keccak256([]byte("WalletTx(address wallet,address to,uint256 value,bytes data,uint256 nonce,uint256 chainId)"))

// Transaction is a call executed by a multisig wallet on behalf of its owners.
type Transaction struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  []byte         `json:"data"`
}

// Hash returns the digest owners sign (or pre-approve) to authorise tx on
// wallet at the given nonce. The digest binds the chain id so signatures do
// not replay across deployments.
func (tx *Transaction) Hash(chainID uint64, wallet common.Address, nonce uint64) common.Hash {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	var nonceWord, chainWord [32]byte
	binary.BigEndian.PutUint64(nonceWord[24:], nonce)
	binary.BigEndian.PutUint64(chainWord[24:], chainID)
	return crypto.Keccak256Hash(
		walletTxTypeHash,
		common.LeftPadBytes(wallet.Bytes(), 32),
		common.LeftPadBytes(tx.To.Bytes(), 32),
		common.LeftPadBytes(value.Bytes(), 32),
		crypto.Keccak256(tx.Data),
		nonceWord[:],
		chainWord[:],
	)
}
