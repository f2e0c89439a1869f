// Package markethours knows the NSE trading calendar. The risk engine uses it
// for the trading-hours admission check; session warm-up uses the open/close
// helpers.
package markethours

import "time"

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Default NSE cash-market hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Window is a daily trading window expressed as minutes since midnight IST.
// Risk profiles may narrow the default exchange window per tenant tier. The
// zero Window means "no override" and resolves to the full exchange session,
// so a profile that omits the window trades the normal hours.
type Window struct {
	OpenMinutes  int `json:"open_minutes" yaml:"open_minutes"`
	CloseMinutes int `json:"close_minutes" yaml:"close_minutes"`
}

// DefaultWindow is the full NSE session: 9:15 to 15:30 IST.
func DefaultWindow() Window {
	return Window{
		OpenMinutes:  OpenHour*60 + OpenMinute,
		CloseMinutes: CloseHour*60 + CloseMinute,
	}
}

// Contains reports whether t (converted to IST) falls inside the window on a
// trading day. A zero window is treated as the default exchange session.
func (w Window) Contains(t time.Time) bool {
	if w.OpenMinutes == 0 && w.CloseMinutes == 0 {
		w = DefaultWindow()
	}
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= w.OpenMinutes && hm < w.CloseMinutes
}

// IsMarketOpen returns true if t falls within the default NSE trading hours
// (9:15 AM to 3:30 PM IST, Mon-Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	return DefaultWindow().Contains(t)
}

// IsWeekday returns true if t is Mon-Fri.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// NextOpen returns the next market open time (9:15 AM IST on the next trading
// day). If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // max 10 days ahead (holidays + weekends)
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	// Fallback: next day
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}
