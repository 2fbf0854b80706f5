package orders

import "time"

// TimeInForce decides when a resting order expires and whether a given
// fill is still valid for it.
type TimeInForce interface {
	// IsOrderExpired reports whether the order should be canceled at now.
	IsOrderExpired(o *Order, now time.Time) bool
	// IsFillValid reports whether a fill arriving at now may be applied.
	IsFillValid(o *Order, now time.Time) bool
}

// GoodTilCanceled keeps the order working until explicitly canceled.
type GoodTilCanceled struct{}

func (GoodTilCanceled) IsOrderExpired(*Order, time.Time) bool { return false }
func (GoodTilCanceled) IsFillValid(*Order, time.Time) bool    { return true }

// Day expires the order at the end of its submission day, in the
// exchange's timezone.
type Day struct {
	Location *time.Location
}

func (d Day) endOfDay(o *Order) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := o.Time.In(loc)
	y, m, dd := local.Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}

func (d Day) IsOrderExpired(o *Order, now time.Time) bool {
	return !now.Before(d.endOfDay(o))
}

func (d Day) IsFillValid(o *Order, now time.Time) bool {
	return now.Before(d.endOfDay(o))
}

// GoodTilDate expires the order at a fixed instant.
type GoodTilDate struct {
	Expiry time.Time
}

func (g GoodTilDate) IsOrderExpired(o *Order, now time.Time) bool {
	return !now.Before(g.Expiry)
}

func (g GoodTilDate) IsFillValid(o *Order, now time.Time) bool {
	return now.Before(g.Expiry)
}
