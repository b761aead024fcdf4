// Package fees turns node fee data into a marked-up bid for the next attempt.
package fees

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/params"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-relayer/pkg/rpcgateway"
)

// BidKind selects the transaction type a bid is meant for
type BidKind int

const (
	BidEIP1559 BidKind = iota
	BidLegacy
)

func (k BidKind) String() string {
	if k == BidLegacy {
		return "legacy"
	}
	return "eip1559"
}

// FeeBid is the fee offer for one attempt. EIP-1559 bids carry MaxFee and
// PriorityFee; legacy bids carry GasPrice.
type FeeBid struct {
	Kind        BidKind
	MaxFee      *big.Int
	PriorityFee *big.Int
	GasPrice    *big.Int
}

func (b FeeBid) String() string {
	if b.Kind == BidLegacy {
		return fmt.Sprintf("legacy gasPrice=%s gwei", toGwei(b.GasPrice))
	}
	return fmt.Sprintf("eip1559 maxFee=%s gwei priority=%s gwei", toGwei(b.MaxFee), toGwei(b.PriorityFee))
}

// Ceiling returns the most the bid can pay per unit of gas
func (b FeeBid) Ceiling() *big.Int {
	if b.Kind == BidLegacy {
		return b.GasPrice
	}
	return b.MaxFee
}

// FeeSource is the slice of the gateway the estimator reads from
type FeeSource interface {
	FeeData(ctx context.Context) (rpcgateway.FeeData, error)
}

// Estimator produces bids for one chain
type Estimator struct {
	source  FeeSource
	cfg     config.FeeConfig
	chainID string
	logger  logger.Logger
}

// NewEstimator creates an estimator for a profile's fee settings
func NewEstimator(source FeeSource, cfg config.FeeConfig, chainID int, log logger.Logger) *Estimator {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.Markup <= 0 {
		cfg.Markup = 1
	}
	if cfg.LegacyPriorityFactor <= 0 {
		cfg.LegacyPriorityFactor = 1
	}
	return &Estimator{
		source:  source,
		cfg:     cfg,
		chainID: strconv.Itoa(chainID),
		logger:  log,
	}
}

// Estimate returns a bid for the next attempt. It never fails: when the node
// offers nothing usable the configured fallback bid is returned.
func (e *Estimator) Estimate(ctx context.Context) FeeBid {
	data, err := e.source.FeeData(ctx)
	if err != nil {
		e.logger.Notice("Fee data unavailable, using fallback bid: %v", err)
		return e.fallback()
	}

	var bid FeeBid
	switch {
	case data.Has1559():
		bid = FeeBid{
			Kind:        BidEIP1559,
			MaxFee:      scale(data.MaxFeePerGas, e.cfg.Markup),
			PriorityFee: scale(data.MaxPriorityFeePerGas, e.cfg.Markup),
		}
	case data.GasPrice != nil && e.cfg.PreferLegacy:
		bid = FeeBid{
			Kind:     BidLegacy,
			GasPrice: scale(data.GasPrice, e.cfg.Markup),
		}
	case data.GasPrice != nil:
		bid = FeeBid{
			Kind:        BidEIP1559,
			MaxFee:      scale(data.GasPrice, e.cfg.Markup),
			PriorityFee: scale(data.GasPrice, e.cfg.LegacyPriorityFactor),
		}
	default:
		e.logger.Notice("Node returned no fee fields, using fallback bid")
		return e.fallback()
	}

	bid = e.bound(bid)
	e.publish(bid)
	e.logger.Debug("Fee bid %s", bid)
	return bid
}

func (e *Estimator) fallback() FeeBid {
	metrics.FeeFallbacks.WithLabelValues(e.chainID).Inc()
	var bid FeeBid
	if e.cfg.PreferLegacy {
		bid = FeeBid{Kind: BidLegacy, GasPrice: copyOrZero(e.cfg.FallbackMaxFee)}
	} else {
		bid = FeeBid{
			Kind:        BidEIP1559,
			MaxFee:      copyOrZero(e.cfg.FallbackMaxFee),
			PriorityFee: copyOrZero(e.cfg.FallbackPriorityFee),
		}
	}
	bid = e.bound(bid)
	e.publish(bid)
	return bid
}

// bound applies the priority floor, the optional cap and keeps priority <= max
func (e *Estimator) bound(bid FeeBid) FeeBid {
	capFee := e.cfg.MaxFeeCap
	if bid.Kind == BidLegacy {
		if capFee != nil && bid.GasPrice.Cmp(capFee) > 0 {
			e.logger.Notice("Gas price %s gwei exceeds cap %s gwei, clamping", toGwei(bid.GasPrice), toGwei(capFee))
			bid.GasPrice = new(big.Int).Set(capFee)
		}
		return bid
	}

	if floor := e.cfg.MinPriorityFee; floor != nil && bid.PriorityFee.Cmp(floor) < 0 {
		bid.PriorityFee = new(big.Int).Set(floor)
		if bid.MaxFee.Cmp(floor) < 0 {
			bid.MaxFee = new(big.Int).Set(floor)
		}
	}
	if capFee != nil && bid.MaxFee.Cmp(capFee) > 0 {
		e.logger.Notice("Max fee %s gwei exceeds cap %s gwei, clamping", toGwei(bid.MaxFee), toGwei(capFee))
		bid.MaxFee = new(big.Int).Set(capFee)
	}
	if bid.PriorityFee.Cmp(bid.MaxFee) > 0 {
		bid.PriorityFee = new(big.Int).Set(bid.MaxFee)
	}
	return bid
}

func (e *Estimator) publish(bid FeeBid) {
	gweiValue, _ := new(big.Float).Quo(new(big.Float).SetInt(bid.Ceiling()), big.NewFloat(params.GWei)).Float64()
	metrics.FeeBid.WithLabelValues(e.chainID, bid.Kind.String()).Set(gweiValue)
}

// scale multiplies v by factor, rounded to the nearest wei
func scale(v *big.Int, factor float64) *big.Int {
	f := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(factor))
	f.Add(f, big.NewFloat(0.5))
	out, _ := f.Int(nil)
	return out
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func toGwei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(params.GWei)).Text('f', 3)
}
