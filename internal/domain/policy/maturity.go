package policy

import (
	"fmt"
	"time"

	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// ValidateMaturity checks a submission's maturity date against the current
// date. Trades maturing today are accepted; only dates strictly in the past
// fail. Returns a typed maturity rejection on failure.
func ValidateMaturity(tradeID string, maturityDate, today time.Time) error {
	maturity := tradestore.Date(maturityDate)
	current := tradestore.Date(today)
	if maturity.Before(current) {
		return errs.New("policy/maturity", errs.CodeMaturityRejected,
			errs.WithTradeID(tradeID),
			errs.WithMessage(fmt.Sprintf("maturity date %s is before current date %s",
				maturity.Format(time.DateOnly), current.Format(time.DateOnly))))
	}
	return nil
}

// DueForExpiry reports whether a trade's maturity date has passed. The bound
// is strict: a trade maturing today is not due until today has advanced past
// the maturity date, so acceptance and expiry never disagree on the same day.
func DueForExpiry(maturityDate, today time.Time) bool {
	return tradestore.Date(maturityDate).Before(tradestore.Date(today))
}
