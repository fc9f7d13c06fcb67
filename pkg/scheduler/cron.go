package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/glimmr/pricepipe/pkg/core"
)

// cronParser accepts standard five-field expressions including ranges,
// steps and lists.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next firing strictly after from, resolving the
// expression in the given timezone. The cron library is the primary
// algorithm; a hand-rolled matcher covering only fixed-daily, hourly,
// every-N-hours and weekly patterns is kept as a fallback and must never
// be preferred when the library can parse the expression.
func NextRun(expr, timezone string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	local := from.In(loc)

	sched, err := cronParser.Parse(expr)
	if err == nil {
		return sched.Next(local), nil
	}

	if next, ok := fallbackNext(expr, local); ok {
		return next, nil
	}

	return time.Time{}, fmt.Errorf("%w: %q: %v", core.ErrInvalidCron, expr, err)
}

// fallbackNext is the known-insufficient hand-rolled subset. It recognizes:
//
//	"M H * * *"  fixed daily time
//	"M * * * *"  hourly at minute M
//	"0 */N * * *" every N hours
//	"M H * * D"  weekly on weekday D
//
// Anything else is rejected so the caller falls through to its fixed delay.
func fallbackNext(expr string, from time.Time) (time.Time, bool) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return time.Time{}, false
	}
	minuteF, hourF, domF, monthF, dowF := fields[0], fields[1], fields[2], fields[3], fields[4]
	if domF != "*" || monthF != "*" {
		return time.Time{}, false
	}

	// "0 */N * * *"
	if strings.HasPrefix(hourF, "*/") && dowF == "*" {
		n, err := strconv.Atoi(strings.TrimPrefix(hourF, "*/"))
		if err != nil || n < 1 || n > 23 {
			return time.Time{}, false
		}
		minute, err := strconv.Atoi(minuteF)
		if err != nil || minute < 0 || minute > 59 {
			return time.Time{}, false
		}
		next := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), minute, 0, 0, from.Location())
		for !next.After(from) || next.Hour()%n != 0 {
			next = next.Add(time.Hour)
			next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), minute, 0, 0, next.Location())
		}
		return next, true
	}

	minute, err := strconv.Atoi(minuteF)
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, false
	}

	// "M * * * *"
	if hourF == "*" && dowF == "*" {
		next := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), minute, 0, 0, from.Location())
		if !next.After(from) {
			next = next.Add(time.Hour)
		}
		return next, true
	}

	hour, err := strconv.Atoi(hourF)
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}

	// "M H * * *"
	if dowF == "*" {
		next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true
	}

	// "M H * * D"
	dow, err := strconv.Atoi(dowF)
	if err != nil || dow < 0 || dow > 6 {
		return time.Time{}, false
	}
	daysUntil := (dow - int(from.Weekday()) + 7) % 7
	next := time.Date(from.Year(), from.Month(), from.Day()+daysUntil, hour, minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next, true
}
