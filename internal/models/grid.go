package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRegime is returned for a regime string outside the known set.
var ErrInvalidRegime = errors.New("invalid market regime")

// Regime 市场状态, 由运营者或上游分类器设定
type Regime string

const (
	RegimeBullish Regime = "BULLISH"
	RegimeBearish Regime = "BEARISH"
	RegimeRange   Regime = "RANGE"
	RegimeNone    Regime = "NONE"
)

// ParseRegime accepts the regime names case-insensitively.
func ParseRegime(s string) (Regime, error) {
	switch r := Regime(strings.ToUpper(strings.TrimSpace(s))); r {
	case RegimeBullish, RegimeBearish, RegimeRange, RegimeNone:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRegime, s)
	}
}

// GridMode 决定生成网格的哪一侧. 只能由 Regime 推导.
type GridMode string

const (
	ModeLongOnly      GridMode = "LONG_ONLY"
	ModeShortOnly     GridMode = "SHORT_ONLY"
	ModeBidirectional GridMode = "BIDIRECTIONAL"
	ModeDisabled      GridMode = "DISABLED"
)

// ModeForRegime maps a regime to its grid mode. Anything unrecognized disables the grid.
func ModeForRegime(r Regime) GridMode {
	switch r {
	case RegimeBullish:
		return ModeLongOnly
	case RegimeBearish:
		return ModeShortOnly
	case RegimeRange:
		return ModeBidirectional
	case RegimeNone:
		return ModeDisabled
	default:
		return ModeDisabled
	}
}

// AllowsBuy reports whether buy levels are generated in this mode.
func (m GridMode) AllowsBuy() bool {
	return m == ModeLongOnly || m == ModeBidirectional
}

// AllowsSell reports whether sell levels are generated in this mode.
func (m GridMode) AllowsSell() bool {
	return m == ModeShortOnly || m == ModeBidirectional
}

// GridLevel 网格线. 值类型, 状态变化时整体替换.
type GridLevel struct {
	Price  float64 `json:"price"`
	Side   Side    `json:"side"`
	Index  int     `json:"index"` // 1..N
	Active bool    `json:"active"`
}

// WithActive returns a copy of the level with the active flag set.
func (l GridLevel) WithActive(active bool) GridLevel {
	l.Active = active
	return l
}

// PositionSide is the direction of a position opened from this level.
func (l GridLevel) PositionSide() PositionSide {
	if l.Side == Sell {
		return Short
	}
	return Long
}
