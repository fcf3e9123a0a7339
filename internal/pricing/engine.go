// Package pricing computes the price of every billable unit: single
// verifications (tiered, plan and volume discounted, with capability premium
// and add-ons) and number rentals. All functions are pure; prices are
// decimal and rounded to cents only at the end.
package pricing

import (
	"math"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/models"
)

// Addon is an optional surcharge on a verification.
type Addon string

const (
	AddonCustomAreaCode    Addon = "custom_area_code"
	AddonGuaranteedCarrier Addon = "guaranteed_carrier"
	AddonPriorityQueue     Addon = "priority_queue"
)

// QuoteInput describes a verification to price.
type QuoteInput struct {
	Service      string
	Capability   models.Capability
	Plan         string
	MonthlyUsage int
	Addons       []Addon
}

// Quote is the itemized price of one verification.
type Quote struct {
	Service               string          `json:"service"`
	Tier                  string          `json:"tier"`
	TierRank              int             `json:"tier_rank"`
	Plan                  string          `json:"plan"`
	BasePrice             decimal.Decimal `json:"base_price"`
	PlanDiscountPercent   decimal.Decimal `json:"plan_discount_percent"`
	VolumeDiscountPercent decimal.Decimal `json:"volume_discount_percent"`
	CapabilityPremium     decimal.Decimal `json:"capability_premium"`
	AddonTotal            decimal.Decimal `json:"addon_total"`
	Final                 decimal.Decimal `json:"final"`
}

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

type snapshot struct {
	tables    *Tables
	tierIndex map[string]int
}

// Engine prices verifications and rentals against swappable tables.
type Engine struct {
	current atomic.Pointer[snapshot]
}

// NewEngine builds an engine over t.
func NewEngine(t *Tables) (*Engine, error) {
	e := &Engine{}
	if err := e.Swap(t); err != nil {
		return nil, err
	}
	return e, nil
}

// Swap replaces the tables atomically; in-flight quotes finish on the old set.
func (e *Engine) Swap(t *Tables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	idx := make(map[string]int)
	for rank, tier := range t.Tiers {
		for _, svc := range tier.Services {
			key := normalizeService(svc)
			if _, dup := idx[key]; !dup {
				idx[key] = rank
			}
		}
	}
	e.current.Store(&snapshot{tables: t, tierIndex: idx})
	return nil
}

// Tables returns the active tables.
func (e *Engine) Tables() *Tables {
	return e.current.Load().tables
}

// Classify returns the tier for service. Unknown services resolve to the last
// (most expensive) tier.
func (e *Engine) Classify(service string) (Tier, int) {
	s := e.current.Load()
	return s.classify(service)
}

func (s *snapshot) classify(service string) (Tier, int) {
	if rank, ok := s.tierIndex[normalizeService(service)]; ok {
		return s.tables.Tiers[rank], rank
	}
	last := len(s.tables.Tiers) - 1
	return s.tables.Tiers[last], last
}

// TierRank returns the position of a named tier, or -1.
func (e *Engine) TierRank(name string) int {
	for i, t := range e.Tables().Tiers {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// Plan resolves a plan key, falling back to the default plan and then to a
// zero-discount plan.
func (e *Engine) Plan(key string) Plan {
	return e.Tables().plan(key)
}

func (t *Tables) plan(key string) Plan {
	if p, ok := t.Plans[key]; ok {
		return p
	}
	if p, ok := t.Plans[t.DefaultPlan]; ok {
		return p
	}
	return Plan{Key: key, DiscountPercent: decimal.Zero}
}

// FreeQuotaAllows reports whether plan's free units may pay for a verification
// of the given tier and capability.
func (e *Engine) FreeQuotaAllows(planKey, tier string, capability models.Capability) bool {
	plan := e.Plan(planKey)
	if plan.FreeQuota == nil {
		return false
	}
	allowed := false
	for _, c := range plan.FreeQuota.Capabilities {
		if c == capability {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if plan.FreeQuota.MaxTier == "" {
		return true
	}
	rank := e.TierRank(tier)
	return rank >= 0 && rank <= e.TierRank(plan.FreeQuota.MaxTier)
}

// Quote prices a single verification. It only fails on invalid capability or
// add-on names; unknown services are priced at the default tier.
func (e *Engine) Quote(in QuoteInput) (Quote, error) {
	if !in.Capability.Valid() {
		return Quote{}, errs.Validation("capability", "capability must be sms or voice")
	}

	s := e.current.Load()
	t := s.tables

	var addonTotal decimal.Decimal
	seen := make(map[Addon]bool, len(in.Addons))
	for _, a := range in.Addons {
		if seen[a] {
			continue
		}
		amount, ok := t.Addons[a]
		if !ok {
			return Quote{}, errs.Validation("addons", "unknown add-on "+string(a))
		}
		seen[a] = true
		addonTotal = addonTotal.Add(amount)
	}

	tier, rank := s.classify(in.Service)
	plan := t.plan(in.Plan)
	volume := t.volumeDiscount(in.MonthlyUsage)

	price := tier.Price.
		Mul(multiplier(plan.DiscountPercent)).
		Mul(multiplier(volume))

	var premium decimal.Decimal
	if in.Capability == models.CapabilityVoice {
		premium = t.VoicePremium
		price = price.Add(premium)
	}
	price = price.Add(addonTotal)

	return Quote{
		Service:               in.Service,
		Tier:                  tier.Name,
		TierRank:              rank,
		Plan:                  plan.Key,
		BasePrice:             tier.Price,
		PlanDiscountPercent:   plan.DiscountPercent,
		VolumeDiscountPercent: volume,
		CapabilityPremium:     premium,
		AddonTotal:            addonTotal,
		Final:                 roundPrice(price),
	}, nil
}

func (t *Tables) volumeDiscount(usage int) decimal.Decimal {
	pct := decimal.Zero
	for _, b := range t.VolumeBrackets {
		if usage >= b.MinUsage {
			pct = b.DiscountPercent
		}
	}
	return pct
}

// RentalMode selects how a rented number is operated.
type RentalMode string

const (
	RentalManual   RentalMode = "manual"
	RentalAlwaysOn RentalMode = "always_on"
)

// RentalInput describes a number rental to price.
type RentalInput struct {
	Hours     int
	Mode      RentalMode
	AutoRenew bool
	BulkCount int
}

// RentalQuote is the itemized price of a rental. UnitPrice is per number.
type RentalQuote struct {
	Hours                    int             `json:"hours"`
	Mode                     RentalMode      `json:"mode"`
	BaseRate                 decimal.Decimal `json:"base_rate"`
	ManualDiscountPercent    decimal.Decimal `json:"manual_discount_percent"`
	AutoRenewDiscountPercent decimal.Decimal `json:"auto_renew_discount_percent"`
	BulkDiscountPercent      decimal.Decimal `json:"bulk_discount_percent"`
	UnitPrice                decimal.Decimal `json:"unit_price"`
	Quantity                 int             `json:"quantity"`
	Total                    decimal.Decimal `json:"total"`
}

// QuoteRental prices a rental: duration-tiered base rate, then manual mode,
// auto-renew and bulk discounts applied as successive multipliers in that
// order.
func (e *Engine) QuoteRental(in RentalInput) (RentalQuote, error) {
	if in.Hours <= 0 {
		return RentalQuote{}, errs.Validation("hours", "hours must be positive")
	}
	if in.Mode != RentalManual && in.Mode != RentalAlwaysOn {
		return RentalQuote{}, errs.Validation("mode", "mode must be manual or always_on")
	}
	if in.BulkCount < 0 {
		return RentalQuote{}, errs.Validation("bulk_count", "bulk count cannot be negative")
	}

	r := e.Tables().Rental
	base := r.baseRate(in.Hours)
	q := RentalQuote{
		Hours:    in.Hours,
		Mode:     in.Mode,
		BaseRate: base,
		Quantity: max(in.BulkCount, 1),
	}

	price := base
	if in.Mode == RentalManual {
		q.ManualDiscountPercent = r.ManualDiscountPercent
		price = price.Mul(multiplier(r.ManualDiscountPercent))
	}
	if in.AutoRenew {
		q.AutoRenewDiscountPercent = r.AutoRenewDiscountPercent
		price = price.Mul(multiplier(r.AutoRenewDiscountPercent))
	}
	if r.BulkMinCount > 0 && in.BulkCount >= r.BulkMinCount {
		q.BulkDiscountPercent = r.BulkDiscountPercent
		price = price.Mul(multiplier(r.BulkDiscountPercent))
	}

	q.UnitPrice = roundPrice(price)
	q.Total = q.UnitPrice.Mul(decimal.NewFromInt(int64(q.Quantity)))
	return q, nil
}

func (r RentalTables) baseRate(hours int) decimal.Decimal {
	if hours <= 24 {
		if rate, ok := r.Hourly[hours]; ok {
			return rate
		}
		return r.FallbackHourly.Mul(decimal.NewFromInt(int64(hours)))
	}

	days := int(math.Ceil(float64(hours) / 24))
	for _, tier := range r.Daily {
		if tier.UpToDays == 0 || days <= tier.UpToDays {
			return tier.PerDay.Mul(decimal.NewFromInt(int64(days)))
		}
	}
	return r.FallbackHourly.Mul(decimal.NewFromInt(int64(hours)))
}

func multiplier(percent decimal.Decimal) decimal.Decimal {
	return one.Sub(percent.Div(hundred))
}

func roundPrice(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d.Round(2)
}

func normalizeService(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
