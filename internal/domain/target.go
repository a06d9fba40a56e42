package domain

import "time"

// TargetKind distinguishes the two trackable stream unit types.
type TargetKind string

const (
	// TargetToken tracks an issued token identified by (currency, issuer).
	TargetToken TargetKind = "TOKEN"
	// TargetAMMPool tracks an AMM pool account holding paired reserves.
	TargetAMMPool TargetKind = "AMM_POOL"
)

// String returns the string representation of TargetKind.
func (k TargetKind) String() string {
	return string(k)
}

// IsValid checks if the kind is a valid value.
func (k TargetKind) IsValid() bool {
	return k == TargetToken || k == TargetAMMPool
}

// Target is a trackable stream unit: an issued-token/issuer pair or an
// AMM pool account. Immutable once created; many targets are supervised
// concurrently.
type Target struct {
	ID        string     // stable identifier, unique across targets
	Kind      TargetKind // TOKEN or AMM_POOL
	Account   string     // XRPL account subscribed for this target (pool account for AMM targets)
	Currency  string     // tracked currency code ("XRP" or a 40-char hex/3-char code)
	Issuer    string     // issuer address, empty for XRP
	CreatedAt time.Time
}

// IsPool reports whether the target tracks an AMM pool account.
func (t *Target) IsPool() bool {
	return t.Kind == TargetAMMPool
}

// MatchesCurrency reports whether a balance movement in the given currency
// belongs to this target. A target without a currency tracks every
// currency of its account.
func (t *Target) MatchesCurrency(currency, issuer string) bool {
	if t.Currency == "" {
		return true
	}
	if t.Currency != currency {
		return false
	}
	return t.Issuer == "" || t.Issuer == issuer
}
