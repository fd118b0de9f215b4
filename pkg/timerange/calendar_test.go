package timerange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWeekdayCalendar_IsTradingDay(t *testing.T) {
	cal := WeekdayCalendar{}

	assert.True(t, cal.IsTradingDay("2023-01-02"), "Monday")
	assert.True(t, cal.IsTradingDay("2023-01-06"), "Friday")
	assert.False(t, cal.IsTradingDay("2023-01-07"), "Saturday")
	assert.False(t, cal.IsTradingDay("2023-01-08"), "Sunday")
	assert.False(t, cal.IsTradingDay("bogus"))
}

func TestTradingDays(t *testing.T) {
	// 2023-01-02 (Mon) through 2023-01-08 (Sun): five weekdays.
	days := TradingDays(New("2023-01-02", "2023-01-08"), WeekdayCalendar{})
	assert.Equal(t, []string{
		"2023-01-02", "2023-01-03", "2023-01-04", "2023-01-05", "2023-01-06",
	}, days)

	assert.Nil(t, TradingDays(New("bad", "2023-01-08"), WeekdayCalendar{}))
}
