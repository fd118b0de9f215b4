package timerange

import "time"

// Calendar decides which calendar dates are trading days. Implementations
// backed by real exchange calendars can be plugged in wherever the cache
// needs trading-day counts.
type Calendar interface {
	// IsTradingDay reports whether date (YYYY-MM-DD) is a trading day.
	IsTradingDay(date string) bool
}

// WeekdayCalendar approximates a trading calendar as Monday through Friday.
// It ignores exchange holidays; use a real calendar implementation where
// holiday accuracy matters.
type WeekdayCalendar struct{}

// IsTradingDay reports whether date falls on a weekday. Unparseable dates are
// not trading days.
func (WeekdayCalendar) IsTradingDay(date string) bool {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return false
	}
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// TradingDays enumerates the trading days inside r according to cal, in
// ascending order. Unparseable bounds yield an empty slice.
func TradingDays(r Range, cal Calendar) []string {
	start, err := time.Parse(DateLayout, r.Start)
	if err != nil {
		return nil
	}
	end, err := time.Parse(DateLayout, r.End)
	if err != nil {
		return nil
	}

	var days []string
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
		date := cur.Format(DateLayout)
		if cal.IsTradingDay(date) {
			days = append(days, date)
		}
	}
	return days
}
