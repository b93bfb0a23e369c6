// Package blood holds the vocabulary shared by the donation pipeline: ABO/Rh
// groups, unit components, their shelf lives and the expiry classification.
// Everything here is pure; time enters only through a Clock.
package blood

import (
	"fmt"
	"sync"
	"time"
)

// Group is an ABO/Rh blood group.
type Group string

const (
	GroupAPos  Group = "A+"
	GroupANeg  Group = "A-"
	GroupBPos  Group = "B+"
	GroupBNeg  Group = "B-"
	GroupABPos Group = "AB+"
	GroupABNeg Group = "AB-"
	GroupOPos  Group = "O+"
	GroupONeg  Group = "O-"
)

var validGroups = map[Group]bool{
	GroupAPos: true, GroupANeg: true,
	GroupBPos: true, GroupBNeg: true,
	GroupABPos: true, GroupABNeg: true,
	GroupOPos: true, GroupONeg: true,
}

func (g Group) Valid() bool { return validGroups[g] }

func ParseGroup(s string) (Group, error) {
	g := Group(s)
	if !g.Valid() {
		return "", fmt.Errorf("unknown blood group %q", s)
	}
	return g, nil
}

// Component is the type of a fractionated unit.
type Component string

const (
	ComponentWhole     Component = "whole"
	ComponentRedCells  Component = "red_cells"
	ComponentPlasma    Component = "plasma"
	ComponentPlatelets Component = "platelets"
)

// Components lists every component in a stable order.
var Components = []Component{ComponentWhole, ComponentRedCells, ComponentPlasma, ComponentPlatelets}

var shelfLifeDays = map[Component]int{
	ComponentWhole:     35,
	ComponentRedCells:  42,
	ComponentPlasma:    365,
	ComponentPlatelets: 5,
}

func (c Component) Valid() bool {
	_, ok := shelfLifeDays[c]
	return ok
}

func ParseComponent(s string) (Component, error) {
	c := Component(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown component %q", s)
	}
	return c, nil
}

// ShelfLifeDays returns the nominal shelf life of a component.
func ShelfLifeDays(c Component) (int, error) {
	d, ok := shelfLifeDays[c]
	if !ok {
		return 0, fmt.Errorf("unknown component %q", c)
	}
	return d, nil
}

// ExpiresAt derives a unit's expiry from its collection time. Plasma keeps
// for one calendar year, so a unit collected on 2024-01-01 expires on
// 2025-01-01 even across a leap day; the other components count days.
func ExpiresAt(c Component, collectedAt time.Time) (time.Time, error) {
	days, err := ShelfLifeDays(c)
	if err != nil {
		return time.Time{}, err
	}
	if c == ComponentPlasma {
		return collectedAt.AddDate(1, 0, 0), nil
	}
	return collectedAt.AddDate(0, 0, days), nil
}

// Freshness classifies a unit against the current time.
type Freshness string

const (
	Fresh        Freshness = "fresh"
	ExpiringSoon Freshness = "expiring_soon"
	Expired      Freshness = "expired"
)

// DefaultExpiringWindow is how far ahead Classify flags units as expiring soon.
const DefaultExpiringWindow = 72 * time.Hour

// IsExpired is the one expiry predicate used by approvals, reservations and
// the expiry sweep: a unit is expired from the instant now reaches expiresAt.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

func Classify(expiresAt, now time.Time, window time.Duration) Freshness {
	switch {
	case IsExpired(expiresAt, now):
		return Expired
	case expiresAt.Sub(now) <= window:
		return ExpiringSoon
	default:
		return Fresh
	}
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and one-shot sweeps.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
