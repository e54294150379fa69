package services

import "time"

// IsEligible reports whether a calendar-day bonus may be claimed at nowEpoch.
// It is true when nothing was claimed yet (lastClaimedEpoch <= 0) or the two
// instants fall on different calendar dates in loc.
func IsEligible(lastClaimedEpoch, nowEpoch int64, loc *time.Location) bool {
	if lastClaimedEpoch <= 0 {
		return true
	}
	if loc == nil {
		loc = time.UTC
	}
	ly, lm, ld := time.Unix(lastClaimedEpoch, 0).In(loc).Date()
	ny, nm, nd := time.Unix(nowEpoch, 0).In(loc).Date()
	return ly != ny || lm != nm || ld != nd
}

// DailyWindow binds the eligibility rule to the reference timezone.
type DailyWindow struct {
	Location *time.Location
}

func NewDailyWindow(loc *time.Location) *DailyWindow {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyWindow{Location: loc}
}

func (w *DailyWindow) IsEligible(lastClaimedEpoch, nowEpoch int64) bool {
	return IsEligible(lastClaimedEpoch, nowEpoch, w.Location)
}

// Day is the calendar day of t in the reference timezone, e.g. "2026-10-14".
func (w *DailyWindow) Day(t time.Time) string {
	return t.In(w.Location).Format("2006-01-02")
}

// NextOpening is the start of the calendar day after t.
func (w *DailyWindow) NextOpening(t time.Time) time.Time {
	y, m, d := t.In(w.Location).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, w.Location)
}
