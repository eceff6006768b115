package usage

import (
	"fmt"
	"time"
)

// civilDate is a calendar date with no time zone attached.
type civilDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{year: y, month: m, day: d}
}

func (c civilDate) midnight(loc *time.Location) time.Time {
	return time.Date(c.year, c.month, c.day, 0, 0, 0, 0, loc)
}

func (c civilDate) addDays(n int) civilDate {
	return dateOf(time.Date(c.year, c.month, c.day+n, 12, 0, 0, 0, time.UTC))
}

func (c civilDate) before(o civilDate) bool {
	return c.midnight(time.UTC).Before(o.midnight(time.UTC))
}

// daysUntil returns the number of calendar days from c to o.
func (c civilDate) daysUntil(o civilDate) int {
	return int(o.midnight(time.UTC).Sub(c.midnight(time.UTC)) / (24 * time.Hour))
}

func (c civilDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", c.year, c.month, c.day)
}
