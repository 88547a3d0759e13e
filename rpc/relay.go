package rpc

import (
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	nativecommon "github.com/khengleng/mycard-pay-protocol/native/common"
)

func pausable(module string) bool {
	switch module {
	case nativecommon.ModulePrepaid, nativecommon.ModuleRevenue, nativecommon.ModuleOracle:
		return true
	}
	return false
}

func (s *Server) handleComposeSignature(w http.ResponseWriter, r *http.Request) {
	var req ComposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProtocolError(w, err)
		return
	}
	contract, err := parseAddress(req.Contract)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	signer, err := parseAddress(req.Signer)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	sigs, err := crypto.ComposeSignature(contract, signer, req.Signature)
	if err != nil {
		writeProtocolError(w, cerrors.Wrap(cerrors.ErrInvalidSignature, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, SignaturesResponse{Signatures: sigs})
}

// cardHash resolves the digest the card owners sign for the next operation.
func (s *Server) cardHash(w http.ResponseWriter, card common.Address, compute func() (common.Hash, error)) {
	var resp HashResponse
	err := s.chain.View(func() error {
		handle, err := s.chain.Wallets().Open(card)
		if err != nil {
			return err
		}
		if resp.Nonce, err = handle.Nonce(); err != nil {
			return err
		}
		resp.Hash, err = compute()
		return err
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type splitArgs struct {
	card, issuer, token common.Address
	amounts             []*big.Int
}

func parseSplit(r *http.Request, w http.ResponseWriter) (*splitArgs, []byte, error) {
	card, err := pathAddress(r, "address")
	if err != nil {
		return nil, nil, err
	}
	var req SplitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return nil, nil, err
	}
	issuer, err := parseAddress(req.Issuer)
	if err != nil {
		return nil, nil, err
	}
	token, err := parseAddress(req.Token)
	if err != nil {
		return nil, nil, err
	}
	amounts, err := parseAmounts(req.Amounts)
	if err != nil {
		return nil, nil, err
	}
	return &splitArgs{card: card, issuer: issuer, token: token, amounts: amounts}, req.Signatures, nil
}

func (s *Server) handleSplitHash(w http.ResponseWriter, r *http.Request) {
	args, _, err := parseSplit(r, w)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	s.cardHash(w, args.card, func() (common.Hash, error) {
		return s.chain.Manager().SplitCardHash(args.card, args.issuer, args.token, args.amounts)
	})
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	args, sigs, err := parseSplit(r, w)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if len(sigs) == 0 {
		writeProtocolError(w, cerrors.Wrap(cerrors.ErrInvalidSignature, "signatures required"))
		return
	}
	if err := s.chain.SplitCard(r.Context(), s.cfg.Relayer, args.card, args.issuer, args.token, args.amounts, sigs); err != nil {
		writeProtocolError(w, err)
		return
	}
	s.accepted(w)
}

func parseSell(r *http.Request, w http.ResponseWriter) (card, from, to common.Address, sigs []byte, err error) {
	if card, err = pathAddress(r, "address"); err != nil {
		return
	}
	var req SellRequest
	if err = decodeJSON(w, r, &req); err != nil {
		return
	}
	if from, err = parseAddress(req.From); err != nil {
		return
	}
	if to, err = parseAddress(req.To); err != nil {
		return
	}
	sigs = req.Signatures
	return
}

func (s *Server) handleSellHash(w http.ResponseWriter, r *http.Request) {
	card, from, to, _, err := parseSell(r, w)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	s.cardHash(w, card, func() (common.Hash, error) {
		return s.chain.Manager().SellCardHash(card, from, to)
	})
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	card, from, to, sigs, err := parseSell(r, w)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if len(sigs) == 0 {
		writeProtocolError(w, cerrors.Wrap(cerrors.ErrInvalidSignature, "signatures required"))
		return
	}
	if err := s.chain.SellCard(r.Context(), s.cfg.Relayer, card, from, to, sigs); err != nil {
		writeProtocolError(w, err)
		return
	}
	s.accepted(w)
}

func parsePay(r *http.Request, w http.ResponseWriter) (card, token, merchant common.Address, amount *big.Int, sigs []byte, err error) {
	if card, err = pathAddress(r, "address"); err != nil {
		return
	}
	var req PayRequest
	if err = decodeJSON(w, r, &req); err != nil {
		return
	}
	if token, err = parseAddress(req.Token); err != nil {
		return
	}
	if merchant, err = parseAddress(req.Merchant); err != nil {
		return
	}
	if amount, err = parseAmount(req.Amount); err != nil {
		return
	}
	sigs = req.Signatures
	return
}

func (s *Server) handlePayHash(w http.ResponseWriter, r *http.Request) {
	card, token, merchant, amount, _, err := parsePay(r, w)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	s.cardHash(w, card, func() (common.Hash, error) {
		return s.chain.Manager().PayForMerchantHash(card, token, merchant, amount)
	})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	card, token, merchant, amount, sigs, err := parsePay(r, w)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if len(sigs) == 0 {
		writeProtocolError(w, cerrors.Wrap(cerrors.ErrInvalidSignature, "signatures required"))
		return
	}
	if err := s.chain.PayForMerchant(r.Context(), s.cfg.Relayer, card, token, merchant, amount, sigs); err != nil {
		writeProtocolError(w, err)
		return
	}
	s.accepted(w)
}

func (s *Server) accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "applied", StateRoot: s.chain.StateRoot().Hex()})
}
