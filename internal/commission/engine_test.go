package commission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRoundsHalfUp(t *testing.T) {
	e := NewEngine(Config{SaleRateBps: 500, DeliveryPlatformBps: 1000, InspectionPlatformBps: 1000, TopTierCarveNum: 11, TopTierCarveDen: 13})

	// 10 minor units at 5% is 0.5, which rounds up to 1, not down to 0.
	snap := e.Compute("resale", 10, 0, 0, false)
	assert.Equal(t, int64(1), snap.Sale.FeeMinor)
	assert.Equal(t, int64(9), snap.Sale.SellerMinor)
}

func TestComputeDeliverySplitExample(t *testing.T) {
	e := NewEngine(DefaultConfig())

	// 12345 at a 90/10 split: platform gets half-up of 1234.5.
	snap := e.Compute("resale", 0, 12345, 0, false)
	assert.Equal(t, int64(1235), snap.Delivery.PlatformMinor)
	assert.Equal(t, int64(11110), snap.Delivery.ActorMinor)
	assert.Equal(t, int64(12345), snap.Delivery.TotalMinor)
}

func TestComputeLegsAlwaysSum(t *testing.T) {
	e := NewEngine(DefaultConfig())

	cases := []struct {
		name                       string
		sale, delivery, inspection int64
		topTier                    bool
	}{
		{"zeroes", 0, 0, 0, false},
		{"one unit each", 1, 1, 1, false},
		{"typical order", 250000, 12345, 5000, false},
		{"typical top tier", 250000, 12345, 5000, true},
		{"odd amounts", 333, 777, 999, true},
		{"large", 9_000_000_000, 45_000_000, 12_000_000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := e.Compute("resale", tc.sale, tc.delivery, tc.inspection, tc.topTier)

			assert.Equal(t, tc.sale, snap.Sale.FeeMinor+snap.Sale.SellerMinor, "sale leg must sum")
			assert.Equal(t, snap.Sale.FeeMinor, snap.Sale.PlatformMinor+snap.Sale.TopTierIncentiveMinor, "fee must split cleanly")
			assert.Equal(t, tc.delivery, snap.Delivery.ActorMinor+snap.Delivery.PlatformMinor, "delivery leg must sum")
			assert.Equal(t, tc.inspection, snap.Inspection.ActorMinor+snap.Inspection.PlatformMinor, "inspection leg must sum")
			assert.GreaterOrEqual(t, snap.Sale.SellerMinor, int64(0))
			assert.GreaterOrEqual(t, snap.Delivery.ActorMinor, int64(0))
			assert.GreaterOrEqual(t, snap.Inspection.ActorMinor, int64(0))
		})
	}
}

func TestComputeTopTierCarveOut(t *testing.T) {
	e := NewEngine(DefaultConfig())

	base := e.Compute("resale", 10000, 0, 0, false)
	top := e.Compute("resale", 10000, 0, 0, true)

	require.Equal(t, int64(1300), base.Sale.FeeMinor)
	assert.Zero(t, base.Sale.TopTierIncentiveMinor)
	assert.Equal(t, base.Sale.FeeMinor, base.Sale.PlatformMinor)

	// 11/13 of the 1300 fee is carved out of the platform share.
	assert.Equal(t, int64(1100), top.Sale.TopTierIncentiveMinor)
	assert.Equal(t, int64(200), top.Sale.PlatformMinor)

	// The carve-out never touches the seller's own share.
	assert.Equal(t, base.Sale.SellerMinor, top.Sale.SellerMinor)

	assert.Equal(t, "top_tier_carve:11/13", top.Rules.TopTier)
	assert.Empty(t, base.Rules.TopTier)
}

func TestComputeClampsGarbageInput(t *testing.T) {
	e := NewEngine(DefaultConfig())

	snap := e.Compute("resale", -500, -1, -99999, true)
	assert.Zero(t, snap.Sale.ChargeMinor)
	assert.Zero(t, snap.Sale.FeeMinor)
	assert.Zero(t, snap.Sale.SellerMinor)
	assert.Zero(t, snap.Delivery.TotalMinor)
	assert.Zero(t, snap.Inspection.TotalMinor)
}

func TestComputeRecordsRulesAndVersion(t *testing.T) {
	e := NewEngine(DefaultConfig())

	snap := e.Compute("auction", 5000, 100, 200, false)
	assert.Equal(t, 1, snap.SnapshotVersion)
	assert.Equal(t, "auction", snap.SaleKind)
	assert.Equal(t, "sale_fee_bps:1300", snap.Rules.Sale)
	assert.Equal(t, "delivery_platform_bps:1000", snap.Rules.Delivery)
	assert.Equal(t, "inspection_platform_bps:1000", snap.Rules.Inspection)
}
