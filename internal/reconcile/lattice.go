// Package reconcile merges independent source opinions about a subject's
// death into a confidence verdict and a set of chosen field values.
package reconcile

import (
	"github.com/deadonfilm/enrich/internal/model"
)

// Standing is a point in the confidence lattice. It refines the public
// ConfidenceTier with a corroborated point (low-trust agreement only) that
// projects to unverified but joins with an IMDb confirmation to verified.
//
//	         suspicious
//	             |
//	        conflicting
//	             |
//	          verified
//	         /        \
//	corroborated   imdb_verified
//	         \        /
//	         unverified
type Standing int

// Lattice points.
const (
	StandingUnverified Standing = iota
	StandingCorroborated
	StandingIMDbVerified
	StandingVerified
	StandingConflicting
	StandingSuspicious
)

var standingNames = [...]string{
	"unverified", "corroborated", "imdb_verified", "verified", "conflicting", "suspicious",
}

func (s Standing) String() string {
	if s < 0 || int(s) >= len(standingNames) {
		return "unknown"
	}
	return standingNames[s]
}

// Signal is what one successful source result says about the recorded death.
type Signal int

// Signals.
const (
	SignalNone Signal = iota
	SignalCorroborate
	SignalAgreeIMDb
	SignalAgreePrimary
	SignalDisagreeDate
	SignalContradictAlive
)

var signalNames = [...]string{
	"none", "corroborate", "agree_imdb", "agree_primary", "disagree_date", "contradict_alive",
}

func (s Signal) String() string {
	if s < 0 || int(s) >= len(signalNames) {
		return "unknown"
	}
	return signalNames[s]
}

// signalStanding is the least standing a single signal implies.
var signalStanding = [...]Standing{
	SignalNone:            StandingUnverified,
	SignalCorroborate:     StandingCorroborated,
	SignalAgreeIMDb:       StandingIMDbVerified,
	SignalAgreePrimary:    StandingVerified,
	SignalDisagreeDate:    StandingConflicting,
	SignalContradictAlive: StandingSuspicious,
}

// joinTable is the least upper bound of every standing pair. It is
// symmetric, idempotent on the diagonal and associative, so folding any set
// of signals yields the same standing in any order.
var joinTable = [6][6]Standing{
	//                 unverified            corroborated          imdb_verified         verified              conflicting           suspicious
	/* unverified */ {StandingUnverified, StandingCorroborated, StandingIMDbVerified, StandingVerified, StandingConflicting, StandingSuspicious},
	/* corroborated */ {StandingCorroborated, StandingCorroborated, StandingVerified, StandingVerified, StandingConflicting, StandingSuspicious},
	/* imdb_verified */ {StandingIMDbVerified, StandingVerified, StandingIMDbVerified, StandingVerified, StandingConflicting, StandingSuspicious},
	/* verified */ {StandingVerified, StandingVerified, StandingVerified, StandingVerified, StandingConflicting, StandingSuspicious},
	/* conflicting */ {StandingConflicting, StandingConflicting, StandingConflicting, StandingConflicting, StandingConflicting, StandingSuspicious},
	/* suspicious */ {StandingSuspicious, StandingSuspicious, StandingSuspicious, StandingSuspicious, StandingSuspicious, StandingSuspicious},
}

// Join returns the least upper bound of two standings.
func Join(a, b Standing) Standing {
	return joinTable[a][b]
}

// Apply folds one signal into the current standing.
func Apply(s Standing, sig Signal) Standing {
	return Join(s, signalStanding[sig])
}

// Tier projects a standing onto the public confidence tier.
func (s Standing) Tier() model.ConfidenceTier {
	switch s {
	case StandingIMDbVerified:
		return model.TierIMDbVerified
	case StandingVerified:
		return model.TierVerified
	case StandingConflicting:
		return model.TierConflicting
	case StandingSuspicious:
		return model.TierSuspicious
	default:
		return model.TierUnverified
	}
}

// StandingOf lifts a stored tier back into the lattice.
func StandingOf(t model.ConfidenceTier) Standing {
	switch t {
	case model.TierIMDbVerified:
		return StandingIMDbVerified
	case model.TierVerified:
		return StandingVerified
	case model.TierConflicting:
		return StandingConflicting
	case model.TierSuspicious:
		return StandingSuspicious
	default:
		return StandingUnverified
	}
}

// Terminal reports whether no further evidence can move the standing back
// into the positive chain.
func (s Standing) Terminal() bool {
	return s >= StandingConflicting
}

// Meets reports whether the standing satisfies a confidence target. Terminal
// standings meet every target.
func (s Standing) Meets(target model.ConfidenceTier) bool {
	if s.Terminal() {
		return true
	}
	want := StandingOf(target)
	if want == StandingUnverified {
		return true
	}
	return Join(s, want) == s
}
