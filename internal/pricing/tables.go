package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/example/tempverify/internal/models"
)

//go:embed default_tables.yaml
var defaultTablesYAML []byte

// MaxPlanDiscount caps the flat subscription discount.
var MaxPlanDiscount = decimal.NewFromInt(35)

// Tier is one price class of services.
type Tier struct {
	Name     string
	Price    decimal.Decimal
	Services []string
}

// FreeQuotaPolicy limits which verifications a plan's free units may pay for.
type FreeQuotaPolicy struct {
	Capabilities []models.Capability
	MaxTier      string
}

// Plan is a subscription plan.
type Plan struct {
	Key               string
	DiscountPercent   decimal.Decimal
	FreeVerifications int
	FreeQuota         *FreeQuotaPolicy
}

// VolumeBracket grants a discount once monthly usage reaches MinUsage.
type VolumeBracket struct {
	MinUsage        int
	DiscountPercent decimal.Decimal
}

// DailyTier prices rentals longer than a day. UpToDays == 0 means unbounded.
type DailyTier struct {
	UpToDays int
	PerDay   decimal.Decimal
}

// RentalTables holds the duration-based rental rates.
type RentalTables struct {
	Hourly                   map[int]decimal.Decimal
	FallbackHourly           decimal.Decimal
	Daily                    []DailyTier
	ManualDiscountPercent    decimal.Decimal
	AutoRenewDiscountPercent decimal.Decimal
	BulkDiscountPercent      decimal.Decimal
	BulkMinCount             int
}

// Tables is the complete, externally supplied pricing configuration.
type Tables struct {
	Currency       string
	Tiers          []Tier
	DefaultPlan    string
	Plans          map[string]Plan
	VolumeBrackets []VolumeBracket
	VoicePremium   decimal.Decimal
	Addons         map[Addon]decimal.Decimal
	Rental         RentalTables
}

type fileTables struct {
	Currency string `yaml:"currency"`
	Tiers    []struct {
		Name     string   `yaml:"name"`
		Price    string   `yaml:"price"`
		Services []string `yaml:"services"`
	} `yaml:"tiers"`
	DefaultPlan string `yaml:"default_plan"`
	Plans       map[string]struct {
		DiscountPercent   string `yaml:"discount_percent"`
		FreeVerifications int    `yaml:"free_verifications"`
		FreeQuota         *struct {
			Capabilities []string `yaml:"capabilities"`
			MaxTier      string   `yaml:"max_tier"`
		} `yaml:"free_quota"`
	} `yaml:"plans"`
	VolumeBrackets []struct {
		MinUsage        int    `yaml:"min_usage"`
		DiscountPercent string `yaml:"discount_percent"`
	} `yaml:"volume_brackets"`
	VoicePremium string            `yaml:"voice_premium"`
	Addons       map[string]string `yaml:"addons"`
	Rental       struct {
		Hourly         map[int]string `yaml:"hourly"`
		FallbackHourly string         `yaml:"fallback_hourly"`
		Daily          []struct {
			UpToDays int    `yaml:"up_to_days"`
			PerDay   string `yaml:"per_day"`
		} `yaml:"daily"`
		ManualDiscountPercent    string `yaml:"manual_discount_percent"`
		AutoRenewDiscountPercent string `yaml:"auto_renew_discount_percent"`
		BulkDiscountPercent      string `yaml:"bulk_discount_percent"`
		BulkMinCount             int    `yaml:"bulk_min_count"`
	} `yaml:"rental"`
}

// DefaultTables returns the tables compiled into the binary.
func DefaultTables() *Tables {
	t, err := ParseTables(defaultTablesYAML)
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded tables invalid: %v", err))
	}
	return t
}

// LoadTables reads tables from path, or the embedded defaults when path is empty.
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return DefaultTables(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing tables: %w", err)
	}
	return ParseTables(raw)
}

// ParseTables decodes and validates YAML pricing tables.
func ParseTables(raw []byte) (*Tables, error) {
	var f fileTables
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode pricing tables: %w", err)
	}

	p := &amountParser{}
	t := &Tables{
		Currency:     strings.ToLower(f.Currency),
		DefaultPlan:  f.DefaultPlan,
		Plans:        make(map[string]Plan, len(f.Plans)),
		VoicePremium: p.parse("voice_premium", f.VoicePremium),
		Addons:       make(map[Addon]decimal.Decimal, len(f.Addons)),
	}

	for _, ft := range f.Tiers {
		t.Tiers = append(t.Tiers, Tier{
			Name:     ft.Name,
			Price:    p.parse("tiers."+ft.Name+".price", ft.Price),
			Services: ft.Services,
		})
	}

	for key, fp := range f.Plans {
		plan := Plan{
			Key:               key,
			DiscountPercent:   p.parse("plans."+key+".discount_percent", fp.DiscountPercent),
			FreeVerifications: fp.FreeVerifications,
		}
		if fp.FreeQuota != nil {
			policy := &FreeQuotaPolicy{MaxTier: fp.FreeQuota.MaxTier}
			for _, c := range fp.FreeQuota.Capabilities {
				policy.Capabilities = append(policy.Capabilities, models.Capability(c))
			}
			plan.FreeQuota = policy
		}
		t.Plans[key] = plan
	}

	for _, fb := range f.VolumeBrackets {
		t.VolumeBrackets = append(t.VolumeBrackets, VolumeBracket{
			MinUsage:        fb.MinUsage,
			DiscountPercent: p.parse("volume_brackets.discount_percent", fb.DiscountPercent),
		})
	}

	for name, amount := range f.Addons {
		t.Addons[Addon(name)] = p.parse("addons."+name, amount)
	}

	t.Rental = RentalTables{
		Hourly:                   make(map[int]decimal.Decimal, len(f.Rental.Hourly)),
		FallbackHourly:           p.parse("rental.fallback_hourly", f.Rental.FallbackHourly),
		ManualDiscountPercent:    p.parse("rental.manual_discount_percent", f.Rental.ManualDiscountPercent),
		AutoRenewDiscountPercent: p.parse("rental.auto_renew_discount_percent", f.Rental.AutoRenewDiscountPercent),
		BulkDiscountPercent:      p.parse("rental.bulk_discount_percent", f.Rental.BulkDiscountPercent),
		BulkMinCount:             f.Rental.BulkMinCount,
	}
	for hours, amount := range f.Rental.Hourly {
		t.Rental.Hourly[hours] = p.parse(fmt.Sprintf("rental.hourly.%d", hours), amount)
	}
	for _, fd := range f.Rental.Daily {
		t.Rental.Daily = append(t.Rental.Daily, DailyTier{
			UpToDays: fd.UpToDays,
			PerDay:   p.parse("rental.daily.per_day", fd.PerDay),
		})
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks internal consistency of the tables.
func (t *Tables) Validate() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("pricing: at least one tier is required")
	}
	seen := make(map[string]bool, len(t.Tiers))
	for _, tier := range t.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("pricing: tier without name")
		}
		if seen[tier.Name] {
			return fmt.Errorf("pricing: duplicate tier %q", tier.Name)
		}
		seen[tier.Name] = true
		if tier.Price.IsNegative() {
			return fmt.Errorf("pricing: tier %q has negative price", tier.Name)
		}
	}
	for key, plan := range t.Plans {
		if plan.DiscountPercent.IsNegative() || plan.DiscountPercent.GreaterThan(MaxPlanDiscount) {
			return fmt.Errorf("pricing: plan %q discount %s outside 0-35%%", key, plan.DiscountPercent)
		}
		if plan.FreeQuota != nil && plan.FreeQuota.MaxTier != "" && !seen[plan.FreeQuota.MaxTier] {
			return fmt.Errorf("pricing: plan %q free quota references unknown tier %q", key, plan.FreeQuota.MaxTier)
		}
	}
	if t.DefaultPlan != "" {
		if _, ok := t.Plans[t.DefaultPlan]; !ok {
			return fmt.Errorf("pricing: default plan %q not defined", t.DefaultPlan)
		}
	}
	for _, b := range t.VolumeBrackets {
		if !validPercent(b.DiscountPercent) {
			return fmt.Errorf("pricing: volume discount %s outside 0-100%%", b.DiscountPercent)
		}
	}
	sort.Slice(t.VolumeBrackets, func(i, j int) bool {
		return t.VolumeBrackets[i].MinUsage < t.VolumeBrackets[j].MinUsage
	})
	for _, pct := range []decimal.Decimal{
		t.Rental.ManualDiscountPercent,
		t.Rental.AutoRenewDiscountPercent,
		t.Rental.BulkDiscountPercent,
	} {
		if !validPercent(pct) {
			return fmt.Errorf("pricing: rental discount %s outside 0-100%%", pct)
		}
	}
	return nil
}

func validPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(decimal.NewFromInt(100))
}

type amountParser struct {
	err error
}

func (p *amountParser) parse(field, value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("pricing: %s: invalid amount %q", field, value)
	}
	return d
}
