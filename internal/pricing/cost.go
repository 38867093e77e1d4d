package pricing

// Basis records which component of a license's pricing produced a cost.
type Basis string

const (
	BasisPerRecord    Basis = "per_record"
	BasisPerAPICall   Basis = "per_api_call"
	BasisSubscription Basis = "subscription"
)

// Rates are the metered components of a license price.
type Rates struct {
	PerAPICall Amount
	PerRecord  Amount
}

// Cost is the single pricing rule shared by access validation and usage
// recording: PerAPICall + PerRecord * records.
func Cost(r Rates, records int64) (Amount, Basis) {
	if records < 0 {
		records = 0
	}
	total := r.PerAPICall + r.PerRecord*Amount(records)
	switch {
	case r.PerRecord > 0:
		return total, BasisPerRecord
	case r.PerAPICall > 0:
		return total, BasisPerAPICall
	default:
		return total, BasisSubscription
	}
}
