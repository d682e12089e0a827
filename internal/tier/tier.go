// Package tier maps network statistics to a named MLM rank.
package tier

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Threshold is one rank. A user qualifies when all three minimums are met.
type Threshold struct {
	Name               string          `yaml:"name"`
	MinDirectReferrals int64           `yaml:"min_direct_referrals"`
	MinTeamSize        int64           `yaml:"min_team_size"`
	MinTotalInvestment decimal.Decimal `yaml:"min_total_investment"`
}

// Stats are the aggregates a rank is computed from.
type Stats struct {
	DirectReferrals int64
	TeamSize        int64
	TotalInvestment decimal.Decimal
}

// Table is ordered from lowest to highest rank.
type Table []Threshold

func (t Threshold) qualifies(s Stats) bool {
	return s.DirectReferrals >= t.MinDirectReferrals &&
		s.TeamSize >= t.MinTeamSize &&
		s.TotalInvestment.GreaterThanOrEqual(t.MinTotalInvestment)
}

// Default is the rank ladder used when no tier file is configured.
func Default() Table {
	return Table{
		{Name: "Bronze"},
		{Name: "Silver", MinDirectReferrals: 3, MinTeamSize: 10, MinTotalInvestment: decimal.NewFromInt(1000)},
		{Name: "Gold", MinDirectReferrals: 5, MinTeamSize: 25, MinTotalInvestment: decimal.NewFromInt(5000)},
		{Name: "Platinum", MinDirectReferrals: 10, MinTeamSize: 50, MinTotalInvestment: decimal.NewFromInt(15000)},
		{Name: "Diamond", MinDirectReferrals: 20, MinTeamSize: 100, MinTotalInvestment: decimal.NewFromInt(50000)},
	}
}

// Load reads a table from YAML:
//
//	tiers:
//	  - name: Bronze
//	  - name: Silver
//	    min_direct_referrals: 3
//	    min_team_size: 10
//	    min_total_investment: "1000"
func Load(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Table, error) {
	var doc struct {
		Tiers Table `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tier file: %w", err)
	}
	if err := doc.Tiers.Validate(); err != nil {
		return nil, err
	}
	return doc.Tiers, nil
}

// Validate requires unique names and a lowest rank everybody qualifies for.
func (t Table) Validate() error {
	if len(t) == 0 {
		return errors.New("tier table is empty")
	}
	base := t[0]
	if base.MinDirectReferrals != 0 || base.MinTeamSize != 0 || !base.MinTotalInvestment.IsZero() {
		return fmt.Errorf("lowest tier %q must have zero thresholds", base.Name)
	}
	seen := make(map[string]bool, len(t))
	for _, th := range t {
		if th.Name == "" {
			return errors.New("tier without a name")
		}
		if seen[th.Name] {
			return fmt.Errorf("duplicate tier %q", th.Name)
		}
		if th.MinDirectReferrals < 0 || th.MinTeamSize < 0 || th.MinTotalInvestment.IsNegative() {
			return fmt.Errorf("tier %q has negative thresholds", th.Name)
		}
		seen[th.Name] = true
	}
	return nil
}

// Resolve returns the highest rank whose thresholds are all met, falling back
// to the lowest rank.
func (t Table) Resolve(s Stats) string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].qualifies(s) {
			return t[i].Name
		}
	}
	return t[0].Name
}

// Rank is the position of name in the ladder, or -1 when unknown.
func (t Table) Rank(name string) int {
	for i, th := range t {
		if th.Name == name {
			return i
		}
	}
	return -1
}
