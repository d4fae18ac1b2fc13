package payment

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// DenialReason names the cap a rejected payment ran into.
type DenialReason string

const (
	DeniedPerBundleCap DenialReason = "per_bundle_cap"
	DeniedDailyCap     DenialReason = "daily_cap"
	DeniedEmergency    DenialReason = "emergency_threshold"
)

// PolicyDenial is returned by the gate when a payment exceeds a cap.
type PolicyDenial struct {
	Reason    DenialReason
	AmountWei *uint256.Int
	LimitWei  *uint256.Int
}

func (d *PolicyDenial) Error() string {
	return fmt.Sprintf("payment policy denied (%s): amount %s wei exceeds limit %s wei",
		d.Reason, d.AmountWei.Dec(), d.LimitWei.Dec())
}

// Limits are the operator caps enforced by the gate.
type Limits struct {
	PerBundleCap       *uint256.Int
	DailyCap           *uint256.Int
	EmergencyStop      bool
	EmergencyThreshold *uint256.Int
}

// DailySpending is the running total for one UTC day.
type DailySpending struct {
	Date        string // UTC day, 2006-01-02
	TotalWei    *uint256.Int
	BundleCount uint64
	UpdatedAt   time.Time
}

// Gate owns the daily spending counter and admits payments against the
// configured caps. The counter is process-local and resets when the UTC
// date advances.
type Gate struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time
	today  DailySpending
}

// NewGate builds a gate with an empty counter for the current UTC day.
func NewGate(limits Limits) *Gate {
	g := &Gate{limits: limits, now: time.Now}
	g.today = DailySpending{Date: g.now().UTC().Format(time.DateOnly), TotalWei: new(uint256.Int)}
	return g
}

// SetLimits swaps the caps, e.g. after a configuration reload. The daily
// counter is preserved.
func (g *Gate) SetLimits(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
}

// Check evaluates the caps against the current counter without committing.
func (g *Gate) Check(amount *uint256.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	return g.evaluate(amount)
}

// Commit adds an admitted amount to the daily counter. Overflow saturates
// to the 256-bit maximum.
func (g *Gate) Commit(amount *uint256.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	g.add(amount)
}

// Admit checks and commits under one lock, so a concurrent request observes
// the reserved amount before any bundle bytes are dispatched.
func (g *Gate) Admit(amount *uint256.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	if err := g.evaluate(amount); err != nil {
		return err
	}
	g.add(amount)
	return nil
}

// Today returns a copy of the current counter.
func (g *Gate) Today() DailySpending {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	cp := g.today
	cp.TotalWei = new(uint256.Int).Set(g.today.TotalWei)
	return cp
}

// roll resets the counter when the UTC day has advanced. Caller holds the
// lock.
func (g *Gate) roll() {
	d := g.now().UTC().Format(time.DateOnly)
	if d != g.today.Date {
		g.today = DailySpending{Date: d, TotalWei: new(uint256.Int)}
	}
}

func (g *Gate) evaluate(amount *uint256.Int) error {
	if g.limits.PerBundleCap != nil && amount.Gt(g.limits.PerBundleCap) {
		return &PolicyDenial{Reason: DeniedPerBundleCap, AmountWei: amount.Clone(), LimitWei: g.limits.PerBundleCap.Clone()}
	}
	if g.limits.DailyCap != nil {
		after, overflow := new(uint256.Int).AddOverflow(g.today.TotalWei, amount)
		if overflow || after.Gt(g.limits.DailyCap) {
			return &PolicyDenial{Reason: DeniedDailyCap, AmountWei: amount.Clone(), LimitWei: g.limits.DailyCap.Clone()}
		}
	}
	if g.limits.EmergencyStop && g.limits.EmergencyThreshold != nil && amount.Gt(g.limits.EmergencyThreshold) {
		return &PolicyDenial{Reason: DeniedEmergency, AmountWei: amount.Clone(), LimitWei: g.limits.EmergencyThreshold.Clone()}
	}
	return nil
}

func (g *Gate) add(amount *uint256.Int) {
	sum, overflow := new(uint256.Int).AddOverflow(g.today.TotalWei, amount)
	if overflow {
		sum.SetAllOne()
	}
	g.today.TotalWei = sum
	g.today.BundleCount++
	g.today.UpdatedAt = g.now().UTC()
}
