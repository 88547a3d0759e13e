package rpc

import (
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	"github.com/khengleng/mycard-pay-protocol/indexer"
	"github.com/khengleng/mycard-pay-protocol/native/oracle"
)

// snapReporter is implemented by adapters that can snap to the USD peg.
type snapReporter interface {
	IsSnappedToUSD() (bool, error)
	USDDelta() (*big.Int, error)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   oracle.Version,
		ChainID:   s.chain.ChainID(),
		Height:    s.chain.Height(),
		StateRoot: s.chain.StateRoot().Hex(),
	})
}

func (s *Server) decimals(token common.Address) uint8 {
	meta, err := s.chain.Ledger().Metadata(token)
	if err != nil || meta == nil {
		return 0
	}
	return meta.Decimals
}

func (s *Server) handleListCards(w http.ResponseWriter, _ *http.Request) {
	var cards []common.Address
	err := s.chain.View(func() error {
		var err error
		cards, err = s.chain.Manager().Cards()
		return err
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	var resp CardResponse
	err = s.chain.View(func() error {
		card, err := s.chain.Manager().Card(addr)
		if err != nil {
			return err
		}
		handle, err := s.chain.Wallets().Open(addr)
		if err != nil {
			return err
		}
		balance, err := s.chain.Ledger().BalanceOf(card.IssueToken, addr)
		if err != nil {
			return err
		}
		nonce, err := handle.Nonce()
		if err != nil {
			return err
		}
		owners, err := handle.Owners()
		if err != nil {
			return err
		}
		threshold, err := handle.Threshold()
		if err != nil {
			return err
		}
		resp = CardResponse{
			Address:    addr.Hex(),
			Issuer:     card.Issuer.Hex(),
			IssueToken: card.IssueToken.Hex(),
			Balance:    newAmount(balance, s.decimals(card.IssueToken)),
			Nonce:      nonce,
			Owners:     owners,
			Threshold:  threshold,
		}
		if balance.Sign() > 0 {
			if spend, err := s.chain.Pool().ConvertToSpend(card.IssueToken, balance); err == nil {
				amount := newAmount(spend, 0)
				resp.Spend = &amount
			}
		}
		return nil
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	resp.Bech32, _ = crypto.EncodeAddress(crypto.CardPrefix, addr)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireIndex(w http.ResponseWriter) bool {
	if s.index == nil {
		writeError(w, http.StatusNotImplemented, "index_disabled", "history index is not enabled")
		return false
	}
	return true
}

func (s *Server) handleCardsByIssuer(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	issuer, err := pathAddress(r, "address")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	cards, err := s.index.CardsByIssuer(issuer)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	out := make([]IndexedCardResponse, len(cards))
	for i, c := range cards {
		out[i] = indexedCard(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func indexedCard(c indexer.Card) IndexedCardResponse {
	return IndexedCardResponse{
		Address:   c.Address,
		Issuer:    c.Issuer,
		Owner:     c.Owner,
		Token:     c.Token,
		FaceValue: c.FaceValue,
		Spend:     c.Spend,
		Source:    c.Source,
		Timestamp: c.CreatedAt.Unix(),
	}
}

func (s *Server) handleListMerchants(w http.ResponseWriter, _ *http.Request) {
	var merchants []common.Address
	err := s.chain.View(func() error {
		var err error
		merchants, err = s.chain.Pool().Merchants()
		return err
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merchants)
}

func (s *Server) handleGetMerchant(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	var resp MerchantResponse
	err = s.chain.View(func() error {
		merchant, err := s.chain.Pool().Merchant(addr)
		if err != nil {
			return err
		}
		resp = MerchantResponse{
			Wallet:     merchant.Wallet.Hex(),
			Owner:      merchant.Owner.Hex(),
			OffChainID: merchant.OffChainID,
			Claimable:  make(map[string]Amount),
		}
		cfg, err := s.chain.Pool().Config()
		if err != nil {
			return nil
		}
		for _, token := range cfg.PayableTokens {
			claimable, err := s.chain.Pool().Claimable(addr, token)
			if err != nil {
				return err
			}
			resp.Claimable[token.Hex()] = newAmount(claimable, s.decimals(token))
		}
		return nil
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	resp.Bech32, _ = crypto.EncodeAddress(crypto.MerchantPrefix, addr)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMerchantPayments(w http.ResponseWriter, r *http.Request) {
	if !s.requireIndex(w) {
		return
	}
	merchant, err := pathAddress(r, "address")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
	}
	payments, err := s.index.PaymentsByMerchant(merchant, limit)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	out := make([]PaymentResponse, len(payments))
	for i, p := range payments {
		out[i] = PaymentResponse{
			Card:      p.Card,
			Merchant:  p.Merchant,
			Token:     p.Token,
			Amount:    p.Amount,
			Fee:       p.Fee,
			Spend:     p.Spend,
			Timestamp: p.CreatedAt.Unix(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListExchanges(w http.ResponseWriter, _ *http.Request) {
	var out []ExchangeResponse
	err := s.chain.View(func() error {
		symbols, err := s.chain.Pool().Exchanges()
		if err != nil {
			return err
		}
		out = make([]ExchangeResponse, 0, len(symbols))
		for _, sym := range symbols {
			ex, err := s.chain.Pool().Exchange(sym)
			if err != nil {
				return err
			}
			out = append(out, ExchangeResponse{Symbol: ex.Symbol, Oracle: ex.Oracle.Hex()})
		}
		return nil
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOraclePrices(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	var resp PricesResponse
	err = s.chain.View(func() error {
		o, err := s.chain.Oracles().Oracle(addr)
		if err != nil {
			return err
		}
		decimals, err := o.Decimals()
		if err != nil {
			return err
		}
		description, err := o.Description()
		if err != nil {
			return err
		}
		usd, updatedAt, err := o.USDPrice()
		if err != nil {
			return err
		}
		eth, _, err := o.ETHPrice()
		if err != nil {
			return err
		}
		daiPrice, _, err := o.DAIPrice()
		if err != nil {
			return err
		}
		resp = PricesResponse{
			Oracle:      addr.Hex(),
			Description: description,
			Decimals:    decimals,
			USD:         newAmount(usd, decimals),
			ETH:         newAmount(eth, decimals),
			DAI:         newAmount(daiPrice, decimals),
			UpdatedAt:   updatedAt,
		}
		if snap, ok := o.(snapReporter); ok {
			snapped, err := snap.IsSnappedToUSD()
			if err != nil {
				return err
			}
			delta, err := snap.USDDelta()
			if err != nil {
				return err
			}
			deltaAmount := newAmount(delta, decimals)
			resp.Snapped = &snapped
			resp.USDDelta = &deltaAmount
		}
		return nil
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	token, err := pathAddress(r, "token")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	account, err := pathAddress(r, "account")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	var resp BalanceResponse
	err = s.chain.View(func() error {
		meta, err := s.chain.Ledger().Metadata(token)
		if err != nil {
			return err
		}
		balance, err := s.chain.Ledger().BalanceOf(token, account)
		if err != nil {
			return err
		}
		resp = BalanceResponse{
			Token:   token.Hex(),
			Symbol:  meta.Symbol,
			Account: account.Hex(),
			Balance: newAmount(balance, meta.Decimals),
		}
		return nil
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	var resp WalletResponse
	err = s.chain.View(func() error {
		wallet, err := s.chain.Wallets().Get(addr)
		if err != nil {
			return err
		}
		resp = WalletResponse{
			Address:   wallet.Address.Hex(),
			Owners:    wallet.Owners,
			Threshold: wallet.Threshold,
			Nonce:     wallet.Nonce,
		}
		return nil
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrepaidConfig(w http.ResponseWriter, _ *http.Request) {
	var resp PrepaidConfigResponse
	err := s.chain.View(func() error {
		cfg, err := s.chain.Manager().Config()
		if err != nil {
			return err
		}
		resp = PrepaidConfigResponse{
			Tallys:        cfg.Tallys,
			PayableTokens: cfg.PayableTokens,
			MinimumAmount: newAmount(cfg.MinimumAmount, 0),
			MaximumAmount: newAmount(cfg.MaximumAmount, 0),
			Version:       oracle.Version,
		}
		return nil
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module := chi.URLParam(r, "module")
		if !pausable(module) {
			writeProtocolError(w, cerrors.Wrap(cerrors.ErrInvalidPayload, "unknown module %q", module))
			return
		}
		subject, _ := r.Context().Value(subjectKey).(string)
		if err := s.chain.SetPaused(r.Context(), module, paused); err != nil {
			writeProtocolError(w, err)
			return
		}
		s.logger.Info("module pause updated",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("module", module),
			slog.Bool("paused", paused),
			slog.String("subject", subject))
		writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", StateRoot: s.chain.StateRoot().Hex()})
	}
}
