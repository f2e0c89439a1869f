package risk

import (
	"fmt"
	"sync"
	"time"

	"trading-execution/internal/markethours"
)

// Severity ranks a violation. CRITICAL and HIGH block the order, MEDIUM
// forces manual approval, LOW is advisory.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Decision is the outcome of an evaluation.
type Decision string

const (
	DecisionApproved         Decision = "APPROVED"
	DecisionRequiresApproval Decision = "REQUIRES_APPROVAL"
	DecisionRejected         Decision = "REJECTED"
)

// Rule names, stable for audit and alerting.
const (
	RuleInvalidOrder       = "INVALID_ORDER"
	RuleMaxOrderValue      = "MAX_ORDER_VALUE_EXCEEDED"
	RuleInsufficientBal    = "INSUFFICIENT_BALANCE"
	RulePositionSizePct    = "POSITION_SIZE_PCT_EXCEEDED"
	RuleMaxOpenPositions   = "MAX_OPEN_POSITIONS_EXCEEDED"
	RuleMaxExposure        = "MAX_EXPOSURE_EXCEEDED"
	RuleDailyLoss          = "DAILY_LOSS_LIMIT_EXCEEDED"
	RuleWeeklyLoss         = "WEEKLY_LOSS_LIMIT_EXCEEDED"
	RuleMaxDrawdown        = "MAX_DRAWDOWN_EXCEEDED"
	RuleOrdersPerMinute    = "MAX_ORDERS_PER_MINUTE_EXCEEDED"
	RuleOrdersPerHour      = "MAX_ORDERS_PER_HOUR_EXCEEDED"
	RuleHighVolatility     = "HIGH_VOLATILITY"
	RuleLowLiquidity       = "LOW_LIQUIDITY"
	RuleOutsideMarketHours = "OUTSIDE_TRADING_HOURS"
)

// Violation is one failed check. Produced transiently; callers persist what
// they need for audit.
type Violation struct {
	Rule       string    `json:"rule"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Observed   float64   `json:"observed"`
	Limit      float64   `json:"limit"`
	Suggestion string    `json:"suggestion,omitempty"`
	At         time.Time `json:"at"`
}

// Limits is a named, versioned risk configuration bundle. Read-only at
// evaluation time; mutated only through ProfileStore.Update.
type Limits struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`

	MaxOrderValue      int64   `json:"max_order_value" yaml:"max_order_value"` // paise
	MaxPositionPct     float64 `json:"max_position_pct" yaml:"max_position_pct"`
	MaxOpenPositions   int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxExposure        int64   `json:"max_exposure" yaml:"max_exposure"` // paise
	MaxOrdersPerMinute int     `json:"max_orders_per_minute" yaml:"max_orders_per_minute"`
	MaxOrdersPerHour   int     `json:"max_orders_per_hour" yaml:"max_orders_per_hour"`
	MaxDailyLossPct    float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxWeeklyLossPct   float64 `json:"max_weekly_loss_pct" yaml:"max_weekly_loss_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxVolatilityPct   float64 `json:"max_volatility_pct" yaml:"max_volatility_pct"`
	MinVolume          int64   `json:"min_volume" yaml:"min_volume"`

	TradingWindow markethours.Window `json:"trading_window" yaml:"trading_window"`
}

// DefaultLimits returns conservative defaults for the standard tier.
func DefaultLimits() Limits {
	return Limits{
		Name:               "default",
		Version:            1,
		MaxOrderValue:      5000000, // ₹50,000
		MaxPositionPct:     10.0,
		MaxOpenPositions:   5,
		MaxExposure:        10000000, // ₹1,00,000
		MaxOrdersPerMinute: 10,
		MaxOrdersPerHour:   100,
		MaxDailyLossPct:    3.0,
		MaxWeeklyLossPct:   8.0,
		MaxDrawdownPct:     5.0,
		MaxVolatilityPct:   0, // 0 = no ceiling
		MinVolume:          0, // 0 = no floor
		TradingWindow:      markethours.DefaultWindow(),
	}
}

// PartialLimits carries optional overrides for an administrative update.
// Nil fields are left unchanged.
type PartialLimits struct {
	MaxOrderValue      *int64   `json:"max_order_value,omitempty"`
	MaxPositionPct     *float64 `json:"max_position_pct,omitempty"`
	MaxOpenPositions   *int     `json:"max_open_positions,omitempty"`
	MaxExposure        *int64   `json:"max_exposure,omitempty"`
	MaxOrdersPerMinute *int     `json:"max_orders_per_minute,omitempty"`
	MaxOrdersPerHour   *int     `json:"max_orders_per_hour,omitempty"`
	MaxDailyLossPct    *float64 `json:"max_daily_loss_pct,omitempty"`
	MaxWeeklyLossPct   *float64 `json:"max_weekly_loss_pct,omitempty"`
	MaxDrawdownPct     *float64 `json:"max_drawdown_pct,omitempty"`
	MaxVolatilityPct   *float64 `json:"max_volatility_pct,omitempty"`
	MinVolume          *int64   `json:"min_volume,omitempty"`
	TradingWindow      *markethours.Window `json:"trading_window,omitempty"`
}

// ProfileStore holds named limit bundles and the tenant→profile assignment.
// Evaluations read a value copy, so in-flight checks never observe a partial
// update.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]Limits
	tenants  map[string]string // tenant ID → profile name
}

// NewProfileStore creates a store seeded with the given profiles. A "default"
// profile is always present.
func NewProfileStore(profiles ...Limits) *ProfileStore {
	s := &ProfileStore{
		profiles: map[string]Limits{"default": DefaultLimits()},
		tenants:  make(map[string]string),
	}
	for _, p := range profiles {
		if p.Name == "" {
			continue
		}
		if p.Version == 0 {
			p.Version = 1
		}
		s.profiles[p.Name] = p
	}
	return s
}

// Get returns the named profile, or the default when absent.
func (s *ProfileStore) Get(name string) Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[name]; ok {
		return p
	}
	return s.profiles["default"]
}

// ForTenant resolves the tenant's assigned profile.
func (s *ProfileStore) ForTenant(tenantID string) Limits {
	s.mu.RLock()
	name := s.tenants[tenantID]
	s.mu.RUnlock()
	return s.Get(name)
}

// Assign maps a tenant to a named profile.
func (s *ProfileStore) Assign(tenantID, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile]; !ok {
		return fmt.Errorf("risk: unknown profile %q", profile)
	}
	s.tenants[tenantID] = profile
	return nil
}

// Update applies a partial update to the named profile and bumps its version.
// Creates the profile from defaults when it does not exist yet.
func (s *ProfileStore) Update(name string, patch PartialLimits) (Limits, error) {
	if name == "" {
		return Limits{}, fmt.Errorf("risk: empty profile name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[name]
	if !ok {
		p = DefaultLimits()
		p.Name = name
		p.Version = 0
	}
	if patch.MaxOrderValue != nil {
		p.MaxOrderValue = *patch.MaxOrderValue
	}
	if patch.MaxPositionPct != nil {
		p.MaxPositionPct = *patch.MaxPositionPct
	}
	if patch.MaxOpenPositions != nil {
		p.MaxOpenPositions = *patch.MaxOpenPositions
	}
	if patch.MaxExposure != nil {
		p.MaxExposure = *patch.MaxExposure
	}
	if patch.MaxOrdersPerMinute != nil {
		p.MaxOrdersPerMinute = *patch.MaxOrdersPerMinute
	}
	if patch.MaxOrdersPerHour != nil {
		p.MaxOrdersPerHour = *patch.MaxOrdersPerHour
	}
	if patch.MaxDailyLossPct != nil {
		p.MaxDailyLossPct = *patch.MaxDailyLossPct
	}
	if patch.MaxWeeklyLossPct != nil {
		p.MaxWeeklyLossPct = *patch.MaxWeeklyLossPct
	}
	if patch.MaxDrawdownPct != nil {
		p.MaxDrawdownPct = *patch.MaxDrawdownPct
	}
	if patch.MaxVolatilityPct != nil {
		p.MaxVolatilityPct = *patch.MaxVolatilityPct
	}
	if patch.MinVolume != nil {
		p.MinVolume = *patch.MinVolume
	}
	if patch.TradingWindow != nil {
		p.TradingWindow = *patch.TradingWindow
	}
	p.Version++
	s.profiles[name] = p
	return p, nil
}

// All returns a snapshot of every profile.
func (s *ProfileStore) All() []Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Limits, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}
