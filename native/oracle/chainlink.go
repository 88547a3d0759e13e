package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	cerrors "github.com/khengleng/mycard-pay-protocol/core/errors"
)

// ChainlinkOracle prices a token from three round-based feeds: TOKEN/USD,
// ETH/USD and DAI/USD. When snapping is enabled a TOKEN/USD answer within the
// threshold of the one dollar peg is reported as exactly one dollar.
type ChainlinkOracle struct {
	engine  *Engine
	adapter *Adapter
}

func (o *ChainlinkOracle) config() (*ChainlinkConfig, error) {
	if !o.adapter.Configured || o.adapter.Chainlink.TokenUSDFeed == (common.Address{}) {
		return nil, cerrors.ErrFeedNotConfigured
	}
	return &o.adapter.Chainlink, nil
}

// Decimals returns the decimals of the TOKEN/USD feed.
func (o *ChainlinkOracle) Decimals() (uint8, error) {
	cfg, err := o.config()
	if err != nil {
		return 0, err
	}
	feed, err := o.engine.Feed(cfg.TokenUSDFeed)
	if err != nil {
		return 0, err
	}
	return feed.Decimals, nil
}

// Description returns the description of the TOKEN/USD feed.
func (o *ChainlinkOracle) Description() (string, error) {
	cfg, err := o.config()
	if err != nil {
		return "", err
	}
	feed, err := o.engine.Feed(cfg.TokenUSDFeed)
	if err != nil {
		return "", err
	}
	return feed.Description, nil
}

type usdReading struct {
	raw       *uint256.Int
	price     *uint256.Int
	peg       *uint256.Int
	decimals  uint8
	updatedAt uint64
	snapped   bool
}

func (o *ChainlinkOracle) readUSD() (*usdReading, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	feed, err := o.engine.Feed(cfg.TokenUSDFeed)
	if err != nil {
		return nil, err
	}
	round, err := o.engine.LatestRoundData(cfg.TokenUSDFeed)
	if err != nil {
		return nil, err
	}
	raw, err := toUint256(round.Answer)
	if err != nil {
		return nil, err
	}
	reading := &usdReading{
		raw:       raw,
		price:     raw,
		peg:       pow10(feed.Decimals),
		decimals:  feed.Decimals,
		updatedAt: round.UpdatedAt,
	}
	if cfg.CanSnapToUSD {
		threshold, err := toUint256(cfg.SnapThreshold)
		if err != nil {
			return nil, err
		}
		if !absDiff(raw, reading.peg).Gt(threshold) {
			reading.price = reading.peg
			reading.snapped = true
		}
	}
	return reading, nil
}

// USDPrice returns the (possibly snapped) TOKEN/USD price.
func (o *ChainlinkOracle) USDPrice() (*big.Int, uint64, error) {
	reading, err := o.readUSD()
	if err != nil {
		return nil, 0, err
	}
	if reading.snapped && o.engine.onSnap != nil {
		o.engine.onSnap(o.adapter.Address)
	}
	return reading.price.ToBig(), reading.updatedAt, nil
}

// ETHPrice returns the token price in ETH, expressed in the TOKEN/USD feed's
// decimals: usdPrice * 10^ethDecimals / ETH-USD.
func (o *ChainlinkOracle) ETHPrice() (*big.Int, uint64, error) {
	reading, err := o.readUSD()
	if err != nil {
		return nil, 0, err
	}
	ethFeed, err := o.engine.Feed(o.adapter.Chainlink.ETHUSDFeed)
	if err != nil {
		return nil, 0, err
	}
	ethRound, err := o.engine.LatestRoundData(o.adapter.Chainlink.ETHUSDFeed)
	if err != nil {
		return nil, 0, err
	}
	ethUSD, err := toUint256(ethRound.Answer)
	if err != nil {
		return nil, 0, err
	}
	price, err := mulDiv(reading.price, pow10(ethFeed.Decimals), ethUSD)
	if err != nil {
		return nil, 0, err
	}
	return price, reading.updatedAt, nil
}

// DAIPrice returns the token price in DAI. When the token is DAI itself (its
// USD feed is the DAI feed) the price is exactly one unit.
func (o *ChainlinkOracle) DAIPrice() (*big.Int, uint64, error) {
	reading, err := o.readUSD()
	if err != nil {
		return nil, 0, err
	}
	cfg := o.adapter.Chainlink
	if cfg.TokenUSDFeed == cfg.DAIUSDFeed {
		return reading.peg.ToBig(), reading.updatedAt, nil
	}
	daiRound, err := o.engine.LatestRoundData(cfg.DAIUSDFeed)
	if err != nil {
		return nil, 0, err
	}
	daiUSD, err := toUint256(daiRound.Answer)
	if err != nil {
		return nil, 0, err
	}
	price, err := mulDiv(reading.price, reading.peg, daiUSD)
	if err != nil {
		return nil, 0, err
	}
	return price, reading.updatedAt, nil
}

// IsSnappedToUSD reports whether the latest TOKEN/USD answer is being snapped.
func (o *ChainlinkOracle) IsSnappedToUSD() (bool, error) {
	reading, err := o.readUSD()
	if err != nil {
		return false, err
	}
	return reading.snapped, nil
}

// USDDelta returns the distance of the latest raw TOKEN/USD answer from the
// one dollar peg.
func (o *ChainlinkOracle) USDDelta() (*big.Int, error) {
	reading, err := o.readUSD()
	if err != nil {
		return nil, err
	}
	return absDiff(reading.raw, reading.peg).ToBig(), nil
}
