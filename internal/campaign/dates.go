package campaign

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

var months = [...]string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

var (
	isoDate  = regexp.MustCompile(`^\s*(\d{4})-(\d{1,2})-(\d{1,2})(?:$|[T\s])`)
	textDate = regexp.MustCompile(`^\s*(\d{1,2})(?:st|nd|rd|th)?\s+([A-Za-z]+)\.?(?:\s*,?\s*(\d{4}))?\s*$`)
)

// monthByName resolves a full month name or a prefix of at least three letters.
func monthByName(s string) (time.Month, bool) {
	s = strings.ToLower(s)
	if len(s) < 3 {
		return 0, false
	}
	for i, m := range months {
		if strings.HasPrefix(m, s) {
			return time.Month(i + 1), true
		}
	}
	return 0, false
}

// ParseMonthDay extracts month and day from "YYYY-MM-DD[...]" or
// "<day> <Month>[, <year>]". The year is ignored.
func ParseMonthDay(ref string) (time.Month, int, bool) {
	var (
		month time.Month
		day   int
	)
	if m := isoDate.FindStringSubmatch(ref); m != nil {
		mo, _ := strconv.Atoi(m[2])
		day, _ = strconv.Atoi(m[3])
		month = time.Month(mo)
	} else if m := textDate.FindStringSubmatch(ref); m != nil {
		day, _ = strconv.Atoi(m[1])
		var ok bool
		if month, ok = monthByName(m[2]); !ok {
			return 0, 0, false
		}
	} else {
		return 0, 0, false
	}
	if month < time.January || month > time.December || day < 1 || day > daysIn(month) {
		return 0, 0, false
	}
	return month, day, true
}

func daysIn(m time.Month) int {
	// leap year so that Feb 29 parses
	return time.Date(2000, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MatchesDay reports whether ref falls on today's month and day. Unparsable
// references never match.
func MatchesDay(ref string, today time.Time) bool {
	month, day, ok := ParseMonthDay(ref)
	return ok && month == today.Month() && day == today.Day()
}

// Celebrants returns, in list order, the recipients whose reference date for
// kind matches today. Returned recipients are copies reset to Pending.
func Celebrants(recipients []model.Recipient, kind model.CampaignKind, today time.Time) []model.Recipient {
	field := kind.RefField()
	var out []model.Recipient
	for _, r := range recipients {
		if MatchesDay(r.Field(field), today) {
			r.Status = model.RecipientPending
			out = append(out, r)
		}
	}
	return out
}
