// Package policy holds the pure acceptance rules for trade submissions and expiry.
package policy

import (
	"fmt"

	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// VersionDecision is the outcome of comparing an incoming version against stored state.
type VersionDecision int

const (
	// AcceptNew admits the first submission for a trade id.
	AcceptNew VersionDecision = iota
	// AcceptReplace overwrites the stored record. Same-version resubmission
	// replaces rather than no-ops; a replace always reactivates the trade.
	AcceptReplace
	// Reject refuses a version lower than the stored one.
	Reject
)

func (d VersionDecision) String() string {
	switch d {
	case AcceptNew:
		return "ACCEPT_NEW"
	case AcceptReplace:
		return "ACCEPT_REPLACE"
	case Reject:
		return "REJECT"
	default:
		return fmt.Sprintf("VersionDecision(%d)", int(d))
	}
}

// DecideVersion evaluates the version-control rule. existing is nil when no
// record is stored for the trade id.
func DecideVersion(existing *tradestore.Trade, incomingVersion int) VersionDecision {
	if existing == nil {
		return AcceptNew
	}
	if incomingVersion < existing.Version {
		return Reject
	}
	return AcceptReplace
}

// VersionConflict builds the typed rejection surfaced to callers when
// DecideVersion returns Reject.
func VersionConflict(tradeID string, incoming, existing int) error {
	return errs.New("policy/version", errs.CodeVersionConflict,
		errs.WithTradeID(tradeID),
		errs.WithVersions(incoming, existing),
		errs.WithMessage(fmt.Sprintf("incoming version %d is lower than existing version %d", incoming, existing)))
}
