package core

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khengleng/mycard-pay-protocol/core/types"
	"github.com/khengleng/mycard-pay-protocol/native/prepaid"
)

// IssueCards sends the sum of amounts from issuer to the card manager, which
// creates one card per amount owned by owner.
func (c *Chain) IssueCards(ctx context.Context, issuer, tokenAddr, owner common.Address, amounts []*big.Int) error {
	payload, err := prepaid.EncodeIssuance(owner, amounts)
	if err != nil {
		return err
	}
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return c.IssueCardsWithValue(ctx, issuer, tokenAddr, total, payload)
}

// IssueCardsWithValue is IssueCards with an explicit transferred value and a
// pre-encoded payload.
func (c *Chain) IssueCardsWithValue(ctx context.Context, issuer, tokenAddr common.Address, value *big.Int, payload []byte) error {
	return c.Apply(ctx, "prepaid.issue", func() error {
		return c.ledger.TransferAndCall(tokenAddr, issuer, c.addrs.Manager, value, payload)
	})
}

// SplitCard relays a signed split of card.
func (c *Chain) SplitCard(ctx context.Context, relayer, card, issuer, tokenAddr common.Address, amounts []*big.Int, sigs []byte) error {
	return c.Apply(ctx, "prepaid.split", func() error {
		return c.manager.SplitCard(relayer, card, issuer, tokenAddr, amounts, sigs)
	})
}

// SellCard relays a signed ownership transfer of card.
func (c *Chain) SellCard(ctx context.Context, relayer, card, from, to common.Address, sigs []byte) error {
	return c.Apply(ctx, "prepaid.sell", func() error {
		return c.manager.SellCard(relayer, card, from, to, sigs)
	})
}

// PayForMerchant relays a signed card payment.
func (c *Chain) PayForMerchant(ctx context.Context, relayer, card, tokenAddr, merchant common.Address, amount *big.Int, sigs []byte) error {
	return c.Apply(ctx, "prepaid.pay", func() error {
		return c.manager.PayForMerchant(relayer, card, tokenAddr, merchant, amount, sigs)
	})
}

// RegisterMerchant creates a merchant wallet on behalf of a tally.
func (c *Chain) RegisterMerchant(ctx context.Context, tally, owner common.Address, offChainID string) (common.Address, error) {
	var merchant common.Address
	err := c.Apply(ctx, "revenue.register_merchant", func() error {
		var err error
		merchant, err = c.pool.RegisterMerchant(tally, owner, offChainID)
		return err
	})
	return merchant, err
}

// ExecuteWallet runs a signed transaction on any wallet made by the factory.
func (c *Chain) ExecuteWallet(ctx context.Context, caller, walletAddr common.Address, tx *types.Transaction, sigs []byte) error {
	return c.Apply(ctx, "wallet.execute", func() error {
		return c.wallets.Execute(walletAddr, caller, tx, sigs)
	})
}

// ApproveHash records owner's approval of hash on a wallet.
func (c *Chain) ApproveHash(ctx context.Context, walletAddr, owner common.Address, hash common.Hash) error {
	return c.Apply(ctx, "wallet.approve_hash", func() error {
		return c.wallets.ApproveHash(walletAddr, owner, hash)
	})
}

// Mint issues tokens on behalf of a minter.
func (c *Chain) Mint(ctx context.Context, minter, tokenAddr, to common.Address, amount *big.Int) error {
	return c.Apply(ctx, "token.mint", func() error {
		return c.ledger.Mint(minter, tokenAddr, to, amount)
	})
}

// AddRound publishes a price on a manual feed.
func (c *Chain) AddRound(ctx context.Context, caller, feed common.Address, answer *big.Int, startedAt, updatedAt uint64) error {
	return c.Apply(ctx, "oracle.add_round", func() error {
		return c.oracles.AddRound(caller, feed, answer, startedAt, updatedAt)
	})
}

// SetPaused flips the pause flag of a module. Callers authenticate the
// operator before reaching this point.
func (c *Chain) SetPaused(ctx context.Context, module string, paused bool) error {
	return c.Apply(ctx, "system.pause", func() error {
		return c.state.SetPaused(module, paused)
	})
}
