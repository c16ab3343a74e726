// Package commission computes the fee/split breakdown for a settled order.
// Pure integer arithmetic in minor currency units: no I/O, no mutable state,
// and no errors — garbage inputs clamp to zero because this function must
// never abort a settlement flow.
package commission

import (
	"fmt"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
)

// Config carries the commission rates. Rates are basis points (1/100 of a
// percent) so that percentage math stays in integers.
type Config struct {
	// SaleRateBps is the platform's cut of the sale charge.
	SaleRateBps int64
	// DeliveryPlatformBps and InspectionPlatformBps are the platform's
	// share of each service leg; the actor keeps the remainder.
	DeliveryPlatformBps   int64
	InspectionPlatformBps int64
	// TopTierCarveNum/Den express the fraction of the platform's sale fee
	// carved out as a top-tier seller incentive, e.g. 11/13.
	TopTierCarveNum int64
	TopTierCarveDen int64
}

// DefaultConfig mirrors the production rate card: 13% sale fee, 90/10
// service-leg splits, 11/13 top-tier carve-out.
func DefaultConfig() Config {
	return Config{
		SaleRateBps:           1300,
		DeliveryPlatformBps:   1000,
		InspectionPlatformBps: 1000,
		TopTierCarveNum:       11,
		TopTierCarveDen:       13,
	}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.TopTierCarveDen <= 0 {
		cfg.TopTierCarveNum, cfg.TopTierCarveDen = 0, 1
	}
	return &Engine{cfg: cfg}
}

// Compute returns the versioned commission snapshot for one order. Each leg
// is rounded half-up on the platform side, with the actor taking the exact
// remainder, so the components always sum back to the leg total.
func (e *Engine) Compute(saleKind string, saleMinor, deliveryMinor, inspectionMinor int64, topTier bool) domain.CommissionSnapshot {
	saleMinor = clamp(saleMinor)
	deliveryMinor = clamp(deliveryMinor)
	inspectionMinor = clamp(inspectionMinor)

	fee := roundHalfUpBps(saleMinor, e.cfg.SaleRateBps)
	if fee > saleMinor {
		fee = saleMinor
	}
	seller := saleMinor - fee

	platform := fee
	var incentive int64
	if topTier {
		incentive = roundHalfUpRatio(fee, e.cfg.TopTierCarveNum, e.cfg.TopTierCarveDen)
		if incentive > platform {
			incentive = platform
		}
		platform -= incentive
	}

	snap := domain.CommissionSnapshot{
		SnapshotVersion: domain.SnapshotVersion,
		SaleKind:        saleKind,
		Rules: domain.CommissionRules{
			Sale:       fmt.Sprintf("sale_fee_bps:%d", e.cfg.SaleRateBps),
			Delivery:   fmt.Sprintf("delivery_platform_bps:%d", e.cfg.DeliveryPlatformBps),
			Inspection: fmt.Sprintf("inspection_platform_bps:%d", e.cfg.InspectionPlatformBps),
		},
		Sale: domain.SaleLeg{
			ChargeMinor:           saleMinor,
			FeeMinor:              fee,
			SellerMinor:           seller,
			PlatformMinor:         platform,
			TopTierIncentiveMinor: incentive,
		},
		Delivery:   splitLeg(deliveryMinor, e.cfg.DeliveryPlatformBps),
		Inspection: splitLeg(inspectionMinor, e.cfg.InspectionPlatformBps),
	}
	if topTier {
		snap.Rules.TopTier = fmt.Sprintf("top_tier_carve:%d/%d", e.cfg.TopTierCarveNum, e.cfg.TopTierCarveDen)
	}
	return snap
}

func splitLeg(total, platformBps int64) domain.SplitLeg {
	platform := roundHalfUpBps(total, platformBps)
	if platform > total {
		platform = total
	}
	return domain.SplitLeg{
		TotalMinor:    total,
		ActorMinor:    total - platform,
		PlatformMinor: platform,
	}
}

// roundHalfUpBps computes amount * bps / 10000 with half-up rounding.
func roundHalfUpBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + 5000) / 10000
}

// roundHalfUpRatio computes amount * num / den with half-up rounding.
func roundHalfUpRatio(amount, num, den int64) int64 {
	if amount <= 0 || num <= 0 || den <= 0 {
		return 0
	}
	return (amount*num + den/2) / den
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
