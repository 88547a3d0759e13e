package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	"github.com/khengleng/mycard-pay-protocol/indexer"
)

// Amount renders a base-unit integer alongside its decimal form.
type Amount struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

func newAmount(v *big.Int, decimals uint8) Amount {
	if v == nil {
		v = new(big.Int)
	}
	return Amount{
		Raw:     v.String(),
		Display: decimal.NewFromBigInt(v, -int32(decimals)).String(),
	}
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type VersionResponse struct {
	Version   string `json:"version"`
	ChainID   uint64 `json:"chainId"`
	Height    uint64 `json:"height"`
	StateRoot string `json:"stateRoot"`
}

type CardResponse struct {
	Address    string           `json:"address"`
	Bech32     string           `json:"bech32,omitempty"`
	Issuer     string           `json:"issuer"`
	IssueToken string           `json:"issueToken"`
	Balance    Amount           `json:"balance"`
	Spend      *Amount          `json:"spendValue,omitempty"`
	Nonce      uint64           `json:"nonce"`
	Owners     []common.Address `json:"owners"`
	Threshold  uint64           `json:"threshold"`
}

type MerchantResponse struct {
	Wallet     string            `json:"wallet"`
	Bech32     string            `json:"bech32,omitempty"`
	Owner      string            `json:"owner"`
	OffChainID string            `json:"offChainId"`
	Claimable  map[string]Amount `json:"claimable"`
}

type WalletResponse struct {
	Address   string           `json:"address"`
	Owners    []common.Address `json:"owners"`
	Threshold uint64           `json:"threshold"`
	Nonce     uint64           `json:"nonce"`
}

type BalanceResponse struct {
	Token   string `json:"token"`
	Symbol  string `json:"symbol"`
	Account string `json:"account"`
	Balance Amount `json:"balance"`
}

type PricesResponse struct {
	Oracle      string  `json:"oracle"`
	Description string  `json:"description"`
	Decimals    uint8   `json:"decimals"`
	USD         Amount  `json:"usdPrice"`
	ETH         Amount  `json:"ethPrice"`
	DAI         Amount  `json:"daiPrice"`
	UpdatedAt   uint64  `json:"updatedAt"`
	Snapped     *bool   `json:"snappedToUSD,omitempty"`
	USDDelta    *Amount `json:"usdDelta,omitempty"`
}

type PrepaidConfigResponse struct {
	Tallys        []common.Address `json:"tallys"`
	PayableTokens []common.Address `json:"payableTokens"`
	MinimumAmount Amount           `json:"minimumAmount"`
	MaximumAmount Amount           `json:"maximumAmount"`
	Version       string           `json:"version"`
}

type ExchangeResponse struct {
	Symbol string `json:"symbol"`
	Oracle string `json:"oracle"`
}

type PaymentResponse struct {
	Card      string `json:"card"`
	Merchant  string `json:"merchant"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	Spend     string `json:"spend"`
	Timestamp int64  `json:"timestamp"`
}

type IndexedCardResponse struct {
	Address   string `json:"address"`
	Issuer    string `json:"issuer"`
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	FaceValue string `json:"faceValue"`
	Spend     string `json:"spend"`
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ComposeRequest pairs an owner signature with a contract pre-approval.
type ComposeRequest struct {
	Contract  string        `json:"contract"`
	Signer    string        `json:"signer"`
	Signature hexutil.Bytes `json:"signature"`
}

type SignaturesResponse struct {
	Signatures hexutil.Bytes `json:"signatures"`
}

type HashResponse struct {
	Hash  common.Hash `json:"hash"`
	Nonce uint64      `json:"nonce"`
}

// SplitRequest carries a split of a card into new cards for Issuer.
type SplitRequest struct {
	Issuer     string        `json:"issuer"`
	Token      string        `json:"token"`
	Amounts    []string      `json:"amounts"`
	Signatures hexutil.Bytes `json:"signatures,omitempty"`
}

// SellRequest carries a transfer of card ownership.
type SellRequest struct {
	From       string        `json:"from"`
	To         string        `json:"to"`
	Signatures hexutil.Bytes `json:"signatures,omitempty"`
}

// PayRequest carries a card payment to a merchant.
type PayRequest struct {
	Token      string        `json:"token"`
	Merchant   string        `json:"merchant"`
	Amount     string        `json:"amount"`
	Signatures hexutil.Bytes `json:"signatures,omitempty"`
}

type StatusResponse struct {
	Status    string `json:"status"`
	StateRoot string `json:"stateRoot"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message, RequestID: w.Header().Get(requestIDHeader)})
}

// writeProtocolError maps the protocol taxonomy onto HTTP status codes.
func writeProtocolError(w http.ResponseWriter, err error) {
	kind := cerrors.KindOf(err)
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, cerrors.ErrCardNotFound),
		errors.Is(err, cerrors.ErrMerchantNotRegistered),
		errors.Is(err, cerrors.ErrExchangeNotFound),
		errors.Is(err, cerrors.ErrNoContract),
		errors.Is(err, indexer.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case kind == cerrors.KindValidation:
		status, code = http.StatusBadRequest, "invalid_request"
	case kind == cerrors.KindBounds:
		status, code = http.StatusUnprocessableEntity, "out_of_bounds"
	case kind == cerrors.KindAuthorization:
		status, code = http.StatusForbidden, "unauthorized"
	case kind == cerrors.KindConfiguration:
		status, code = http.StatusConflict, "not_configured"
	}
	message := cerrors.Reason(err)
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{
		Code:      code,
		Message:   message,
		Kind:      string(kind),
		RequestID: w.Header().Get(requestIDHeader),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return cerrors.Wrap(cerrors.ErrInvalidPayload, "decode body: %v", err)
	}
	return nil
}

func parseAddress(value string) (common.Address, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return common.Address{}, cerrors.Wrap(cerrors.ErrInvalidAddress, "%v", err)
	}
	return addr, nil
}

func pathAddress(r *http.Request, param string) (common.Address, error) {
	return parseAddress(chi.URLParam(r, param))
}

// parseAmount accepts base-unit integers in decimal or 0x hex.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	var (
		out *big.Int
		ok  bool
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		out, ok = new(big.Int).SetString(trimmed[2:], 16)
	} else {
		out, ok = new(big.Int).SetString(trimmed, 10)
	}
	if !ok {
		return nil, cerrors.Wrap(cerrors.ErrInvalidAmount, "%q", value)
	}
	return out, nil
}

func parseAmounts(values []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		amount, err := parseAmount(v)
		if err != nil {
			return nil, err
		}
		out[i] = amount
	}
	return out, nil
}

func addressOrEmpty(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}
