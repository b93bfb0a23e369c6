// Package lifecycle is the single transition table for the donation
// pipeline. Registrations, eligibility checks, donations and blood units each
// get a Machine; every legal move is an edge (from, event) -> (to, effects)
// and every service asks its Machine before touching state.
package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
)

type Entity string

const (
	EntityRegistration Entity = "registration"
	EntityEligibility  Entity = "eligibility_check"
	EntityDonation     Entity = "donation"
	EntityBloodUnit    Entity = "blood_unit"
)

type State string

// Registration states.
const (
	RegPendingApproval State = "PENDING_APPROVAL"
	RegRegistered      State = "REGISTERED"
	RegCheckedIn       State = "CHECKED_IN"
	RegInConsult       State = "IN_CONSULT"
	RegWaitingDonation State = "WAITING_DONATION"
	RegDonating        State = "DONATING"
	RegDonated         State = "DONATED"
	RegResting         State = "RESTING"
	RegPostRestCheck   State = "POST_REST_CHECK"
	RegCompleted       State = "COMPLETED"
	RegCancelled       State = "CANCELLED"
	RegRejected        State = "REJECTED_REGISTRATION"
)

// Eligibility check states.
const (
	CheckPending   State = "pending"
	CheckCompleted State = "completed"
	CheckCancelled State = "cancelled"
)

// Donation states.
const (
	DonationDonating  State = "donating"
	DonationCompleted State = "completed"
	DonationCancelled State = "cancelled"
)

// Blood unit states.
const (
	UnitTesting   State = "testing"
	UnitAvailable State = "available"
	UnitRejected  State = "rejected"
	UnitReserved  State = "reserved"
	UnitExpired   State = "expired"
	UnitUsed      State = "used"
)

type Event string

const (
	EvApprove          Event = "approve"
	EvReject           Event = "reject"
	EvCheckIn          Event = "check_in"
	EvOpenConsult      Event = "open_consult"
	EvClearEligibility Event = "clear_eligibility"
	EvDefer            Event = "defer"
	EvStartDonation    Event = "start_donation"
	EvFinishDonation   Event = "finish_donation"
	EvStartRest        Event = "start_rest"
	EvPostRestCheck    Event = "post_rest_check"
	EvComplete         Event = "complete"
	EvCancel           Event = "cancel"
	EvExpireStale      Event = "expire_stale"

	EvFinalizeEligible   Event = "finalize_eligible"
	EvFinalizeIneligible Event = "finalize_ineligible"

	EvSettle Event = "settle"

	EvPass    Event = "pass_tests"
	EvFail    Event = "fail_tests"
	EvReserve Event = "reserve"
	EvExpire  Event = "expire"
	EvUse     Event = "use"
)

// Effect is a side effect a transition obliges the caller to perform in the
// same unit of work (or, for notifications, right after it commits).
type Effect string

const (
	EffectAudit             Effect = "audit_log"
	EffectNotify            Effect = "notify"
	EffectIssueCheckIn      Effect = "issue_check_in"
	EffectInventoryIncrease Effect = "inventory_increase"
	EffectInventoryDecrease Effect = "inventory_decrease"
)

// Rule is one edge of a Machine.
type Rule struct {
	From    State
	Event   Event
	To      State
	Effects []Effect
	// Gated edges are fired only by internal workflows (the eligibility gate,
	// the background sweeps), never by a generic transition request.
	Gated bool
	// System edges may run without an actor.
	System bool
}

func (r Rule) Has(e Effect) bool {
	for _, x := range r.Effects {
		if x == e {
			return true
		}
	}
	return false
}

type edgeKey struct {
	from  State
	event Event
}

// Machine is the transition table of one entity.
type Machine struct {
	entity   Entity
	states   map[State]bool
	terminal map[State]bool
	edges    map[edgeKey]Rule
}

func newMachine(entity Entity, terminal []State, rules []Rule) *Machine {
	m := &Machine{
		entity:   entity,
		states:   make(map[State]bool),
		terminal: make(map[State]bool),
		edges:    make(map[edgeKey]Rule),
	}
	for _, s := range terminal {
		m.terminal[s] = true
		m.states[s] = true
	}
	for _, r := range rules {
		k := edgeKey{r.From, r.Event}
		if _, dup := m.edges[k]; dup {
			panic(fmt.Sprintf("lifecycle: duplicate edge %s %s/%s", entity, r.From, r.Event))
		}
		if m.terminal[r.From] {
			panic(fmt.Sprintf("lifecycle: edge out of terminal state %s %s", entity, r.From))
		}
		m.edges[k] = r
		m.states[r.From] = true
		m.states[r.To] = true
	}
	return m
}

func (m *Machine) Entity() Entity { return m.entity }

func (m *Machine) Valid(s State) bool { return m.states[s] }

func (m *Machine) IsTerminal(s State) bool { return m.terminal[s] }

// NonTerminal lists the non-terminal states, sorted.
func (m *Machine) NonTerminal() []State {
	var out []State
	for s := range m.states {
		if !m.terminal[s] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fire applies an event. Gated and system edges are allowed here; callers
// that serve external requests use Resolve instead.
func (m *Machine) Fire(from State, ev Event) (Rule, error) {
	r, ok := m.edges[edgeKey{from, ev}]
	if !ok {
		return Rule{}, apperr.StateConflict("%s cannot %s from %s", m.entity, ev, from)
	}
	return r, nil
}

// Resolve finds the public edge that moves from one state to another.
func (m *Machine) Resolve(from, to State) (Rule, error) {
	if !m.Valid(to) {
		return Rule{}, apperr.Validation("unknown %s status %q", m.entity, to)
	}
	if m.IsTerminal(from) {
		return Rule{}, apperr.StateConflict("%s is already %s", m.entity, from)
	}
	var gated *Rule
	for k, r := range m.edges {
		if k.from != from || r.To != to {
			continue
		}
		if !r.Gated {
			return r, nil
		}
		rr := r
		gated = &rr
	}
	if gated != nil {
		return Rule{}, apperr.StateConflict("%s transition %s -> %s is driven by the %s workflow",
			m.entity, from, to, gateOwner(gated.Event))
	}
	return Rule{}, apperr.StateConflict("illegal %s transition %s -> %s", m.entity, from, to)
}

// Successors lists the public states reachable in one step, sorted.
func (m *Machine) Successors(from State) []State {
	seen := make(map[State]bool)
	var out []State
	for k, r := range m.edges {
		if k.from == from && !r.Gated && !seen[r.To] {
			seen[r.To] = true
			out = append(out, r.To)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func gateOwner(ev Event) string {
	switch ev {
	case EvOpenConsult, EvClearEligibility, EvDefer:
		return "eligibility check"
	case EvExpireStale:
		return "stale registration sweep"
	case EvExpire:
		return "expiry sweep"
	case EvReserve, EvUse:
		return "inventory"
	}
	return strings.ReplaceAll(string(ev), "_", " ")
}

var (
	auditNotify = []Effect{EffectAudit, EffectNotify}
	notifyOnly  = []Effect{EffectNotify}
)

// Registration is the donor-facing state machine.
var Registration = newMachine(EntityRegistration,
	[]State{RegCompleted, RegCancelled, RegRejected},
	append([]Rule{
		{From: RegPendingApproval, Event: EvApprove, To: RegRegistered, Effects: []Effect{EffectAudit, EffectNotify, EffectIssueCheckIn}},
		{From: RegPendingApproval, Event: EvReject, To: RegRejected, Effects: auditNotify},
		{From: RegRegistered, Event: EvReject, To: RegRejected, Effects: auditNotify},
		{From: RegRegistered, Event: EvCheckIn, To: RegCheckedIn, Effects: auditNotify},
		{From: RegRegistered, Event: EvExpireStale, To: RegCancelled, Effects: auditNotify, Gated: true, System: true},
		{From: RegCheckedIn, Event: EvOpenConsult, To: RegInConsult, Effects: auditNotify, Gated: true},
		{From: RegInConsult, Event: EvClearEligibility, To: RegWaitingDonation, Effects: auditNotify, Gated: true},
		{From: RegInConsult, Event: EvDefer, To: RegRegistered, Effects: auditNotify, Gated: true},
		{From: RegWaitingDonation, Event: EvStartDonation, To: RegDonating, Effects: auditNotify},
		{From: RegDonating, Event: EvFinishDonation, To: RegDonated, Effects: auditNotify},
		{From: RegDonated, Event: EvStartRest, To: RegResting, Effects: auditNotify},
		{From: RegResting, Event: EvPostRestCheck, To: RegPostRestCheck, Effects: auditNotify},
		{From: RegPostRestCheck, Event: EvComplete, To: RegCompleted, Effects: auditNotify},
	}, cancelFrom(
		RegPendingApproval, RegRegistered, RegCheckedIn, RegInConsult, RegWaitingDonation,
		RegDonating, RegDonated, RegResting, RegPostRestCheck,
	)...),
)

func cancelFrom(states ...State) []Rule {
	rules := make([]Rule, 0, len(states))
	for _, s := range states {
		rules = append(rules, Rule{From: s, Event: EvCancel, To: RegCancelled, Effects: auditNotify})
	}
	return rules
}

// EligibilityCheck is finalized exactly once.
var EligibilityCheck = newMachine(EntityEligibility,
	[]State{CheckCompleted, CheckCancelled},
	[]Rule{
		{From: CheckPending, Event: EvFinalizeEligible, To: CheckCompleted, Gated: true},
		{From: CheckPending, Event: EvFinalizeIneligible, To: CheckCancelled, Gated: true},
	},
)

// Donation settles once and never reopens.
var Donation = newMachine(EntityDonation,
	[]State{DonationCompleted, DonationCancelled},
	[]Rule{
		{From: DonationDonating, Event: EvSettle, To: DonationCompleted, Effects: notifyOnly},
		{From: DonationDonating, Event: EvCancel, To: DonationCancelled, Effects: notifyOnly},
	},
)

// BloodUnit moves one way: testing -> available|rejected, then
// available -> reserved|expired|used.
var BloodUnit = newMachine(EntityBloodUnit,
	[]State{UnitRejected, UnitReserved, UnitExpired, UnitUsed},
	[]Rule{
		{From: UnitTesting, Event: EvPass, To: UnitAvailable, Effects: []Effect{EffectInventoryIncrease}},
		{From: UnitTesting, Event: EvFail, To: UnitRejected},
		{From: UnitAvailable, Event: EvReserve, To: UnitReserved, Effects: []Effect{EffectInventoryDecrease}, Gated: true},
		{From: UnitAvailable, Event: EvExpire, To: UnitExpired, Effects: []Effect{EffectInventoryDecrease}, Gated: true, System: true},
		{From: UnitAvailable, Event: EvUse, To: UnitUsed, Effects: []Effect{EffectInventoryDecrease}, Gated: true},
	},
)

// StatesAsStrings converts states for SQL array parameters.
func StatesAsStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
