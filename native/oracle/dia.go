package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

// DIA quotes are always published with 8 decimals.
const diaDecimals uint8 = 8

// DIAOracle prices a token from "SYMBOL/USD" and "SYMBOL/ETH" quotes on a DIA
// source, crossing the USD quote with the DAI/USD feed for DAI prices.
type DIAOracle struct {
	engine  *Engine
	adapter *Adapter
}

func (o *DIAOracle) config() (*DIAConfig, error) {
	if !o.adapter.Configured || o.adapter.DIA.Oracle == (common.Address{}) {
		return nil, cerrors.ErrOracleNotConfigured
	}
	return &o.adapter.DIA, nil
}

// Decimals is fixed for DIA adapters.
func (o *DIAOracle) Decimals() (uint8, error) { return diaDecimals, nil }

// Description returns the quoted symbol.
func (o *DIAOracle) Description() (string, error) {
	cfg, err := o.config()
	if err != nil {
		return "", err
	}
	return cfg.Symbol, nil
}

func (o *DIAOracle) quote(pair string) (*big.Int, uint64, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, 0, err
	}
	return o.engine.DIAValue(cfg.Oracle, cfg.Symbol+"/"+pair)
}

// USDPrice returns the SYMBOL/USD quote.
func (o *DIAOracle) USDPrice() (*big.Int, uint64, error) {
	return o.quote("USD")
}

// ETHPrice returns the SYMBOL/ETH quote.
func (o *DIAOracle) ETHPrice() (*big.Int, uint64, error) {
	return o.quote("ETH")
}

// DAIPrice returns the USD quote divided by the DAI/USD rate.
func (o *DIAOracle) DAIPrice() (*big.Int, uint64, error) {
	usd, updatedAt, err := o.quote("USD")
	if err != nil {
		return nil, 0, err
	}
	daiRound, err := o.engine.LatestRoundData(o.adapter.DIA.DAIUSDFeed)
	if err != nil {
		return nil, 0, err
	}
	usdPrice, err := toUint256(usd)
	if err != nil {
		return nil, 0, err
	}
	daiUSD, err := toUint256(daiRound.Answer)
	if err != nil {
		return nil, 0, err
	}
	price, err := mulDiv(usdPrice, pow10(diaDecimals), daiUSD)
	if err != nil {
		return nil, 0, err
	}
	return price, updatedAt, nil
}

var _ PriceOracle = (*DIAOracle)(nil)
var _ PriceOracle = (*ChainlinkOracle)(nil)
