package domain

// SnapshotVersion identifies the commission breakdown layout. Bump when the
// shape or rule semantics change; stored snapshots keep the version they
// were computed under.
const SnapshotVersion = 1

// CommissionSnapshot is the frozen fee/split breakdown attached to an order
// at the moment its escrow is released. All amounts are integer minor
// currency units. Once a non-empty snapshot exists it is never recomputed,
// even if global commission configuration changes afterwards.
type CommissionSnapshot struct {
	SnapshotVersion int             `json:"snapshot_version"`
	SaleKind        string          `json:"sale_kind"`
	Rules           CommissionRules `json:"rules"`
	Sale            SaleLeg         `json:"sale"`
	Delivery        SplitLeg        `json:"delivery"`
	Inspection      SplitLeg        `json:"inspection"`
}

// CommissionRules records which rule identifiers produced the snapshot, so
// an auditor can tie every figure back to the configuration that made it.
type CommissionRules struct {
	Sale       string `json:"sale"`
	Delivery   string `json:"delivery"`
	Inspection string `json:"inspection"`
	TopTier    string `json:"top_tier,omitempty"`
}

// SaleLeg splits the sale charge between seller and platform. The top-tier
// incentive is carved out of the platform share only; it never reduces the
// seller's own share. FeeMinor + SellerMinor == ChargeMinor always.
type SaleLeg struct {
	ChargeMinor           int64 `json:"charge_minor"`
	FeeMinor              int64 `json:"fee_minor"`
	SellerMinor           int64 `json:"seller_minor"`
	PlatformMinor         int64 `json:"platform_minor"`
	TopTierIncentiveMinor int64 `json:"top_tier_incentive_minor"`
}

// SplitLeg is a fixed-ratio actor/platform split of a service charge.
// ActorMinor + PlatformMinor == TotalMinor always.
type SplitLeg struct {
	TotalMinor    int64 `json:"total_minor"`
	ActorMinor    int64 `json:"actor_minor"`
	PlatformMinor int64 `json:"platform_minor"`
}

// Empty reports whether the snapshot has never been computed.
func (s *CommissionSnapshot) Empty() bool {
	return s == nil || s.SnapshotVersion == 0
}
