package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// Sign returns the PnL sign multiplier for a position direction.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type Comparator string

const (
	ComparatorGT Comparator = ">"
	ComparatorGE Comparator = ">="
	ComparatorLT Comparator = "<"
	ComparatorLE Comparator = "<="
	ComparatorEQ Comparator = "=="
)

// Rule is a single predicate against a named indicator value.
// A stage fires when all of its rules hold on the same evaluation.
type Rule struct {
	Indicator  string          `json:"indicator"`
	Comparator Comparator      `json:"comparator"`
	Threshold  decimal.Decimal `json:"threshold"`
}

// Stage identifiers for the five ordered rule-sets of a strategy.
type Stage string

const (
	StageSignal    Stage = "S1"  // signal detection
	StageCancel    Stage = "O1"  // signal cancel
	StageEntry     Stage = "Z1"  // entry confirmation
	StageExit      Stage = "ZE1" // exit with profit
	StageEmergency Stage = "E1"  // emergency exit
)

// SizingRule decides the order quantity for an entry.
type SizingRule struct {
	// Fixed quantity in base units. Takes precedence when positive.
	FixedQuantity decimal.Decimal `json:"fixed_quantity"`
	// Percentage of the per-symbol budget to commit, applied when
	// FixedQuantity is zero.
	BudgetPct decimal.Decimal `json:"budget_pct"`
}

type OrderConfig struct {
	Sizing        SizingRule       `json:"sizing"`
	Leverage      int              `json:"leverage"`
	StopLossPct   *decimal.Decimal `json:"stop_loss_pct,omitempty"`
	TakeProfitPct *decimal.Decimal `json:"take_profit_pct,omitempty"`
}

// Strategy is the declarative five-stage trading rule definition.
// It is authored elsewhere and read-only to the engine; running
// sessions pin the Version loaded at start.
type Strategy struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	Name      string      `gorm:"size:255;not null;uniqueIndex:idx_strategy_name_version" json:"name"`
	Version   uint        `gorm:"not null;default:1;uniqueIndex:idx_strategy_name_version" json:"version"`
	Direction Direction   `gorm:"size:10;not null" json:"direction"`
	Active    bool        `gorm:"not null;default:true" json:"active"`
	Signal    []Rule      `gorm:"type:jsonb;serializer:json" json:"signal"`
	Cancel    []Rule      `gorm:"type:jsonb;serializer:json" json:"cancel"`
	Entry     []Rule      `gorm:"type:jsonb;serializer:json" json:"entry"`
	Exit      []Rule      `gorm:"type:jsonb;serializer:json" json:"exit"`
	Emergency []Rule      `gorm:"type:jsonb;serializer:json" json:"emergency"`
	Order     OrderConfig `gorm:"type:jsonb;serializer:json" json:"order"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RuleSet returns the rules for one of the five stages.
func (s *Strategy) RuleSet(stage Stage) []Rule {
	switch stage {
	case StageSignal:
		return s.Signal
	case StageCancel:
		return s.Cancel
	case StageEntry:
		return s.Entry
	case StageExit:
		return s.Exit
	case StageEmergency:
		return s.Emergency
	default:
		return nil
	}
}
