package quota

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/convertly/internal/server/models"
)

// ErrQuotaExceeded matches every *QuotaError via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Kind separates "nothing left today" from "not enough left for this batch".
type Kind int

const (
	KindDailyLimit Kind = iota + 1
	KindInsufficient
)

func (k Kind) String() string {
	switch k {
	case KindDailyLimit:
		return "daily_limit"
	case KindInsufficient:
		return "insufficient"
	default:
		return "unknown"
	}
}

// QuotaError reports a rejected conversion request.
type QuotaError struct {
	Kind      Kind
	Plan      models.Plan
	Used      int
	Limit     int
	Requested int
	Remaining int
}

func (e *QuotaError) Error() string {
	if e.Kind == KindDailyLimit {
		return fmt.Sprintf("daily limit of %d conversions reached", e.Limit)
	}
	return fmt.Sprintf("requested %d conversions but only %d remaining today", e.Requested, e.Remaining)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
