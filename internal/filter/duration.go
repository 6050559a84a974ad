package filter

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// durationShape is the RFC 5545 section 3.3.6 DURATION grammar: either
// weeks alone, or days and/or a time part with at least one unit.
var durationShape = regexp.MustCompile(`^P(?:\d+W|\d+D(?:T(?:\d+H)?(?:\d+M)?(?:\d+S)?)?|T(?:\d+H)?(?:\d+M)?(?:\d+S)?)$`)

// Offset is a parsed iCalendar DURATION.
type Offset struct {
	Negative bool
	Weeks    int
	Days     int
	Hours    int
	Minutes  int
	Seconds  int
}

// ParseDuration parses "[+-]P[nW]" or "[+-]P[nD][T[nH][nM][nS]]".
func ParseDuration(s string) (Offset, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	in = strings.TrimPrefix(in, "+")
	body := strings.TrimPrefix(in, "-")
	if !durationShape.MatchString(body) || strings.HasSuffix(body, "T") {
		return Offset{}, fmt.Errorf("filter: invalid duration %q", s)
	}

	d, err := duration.Parse(in)
	if err != nil {
		return Offset{}, fmt.Errorf("filter: invalid duration %q: %w", s, err)
	}
	o := Offset{
		Negative: d.Negative,
		Weeks:    int(math.Round(d.Weeks)),
		Days:     int(math.Round(d.Days)),
		Hours:    int(math.Round(d.Hours)),
		Minutes:  int(math.Round(d.Minutes)),
		Seconds:  int(math.Round(d.Seconds)),
	}
	return o, nil
}

// AddTo applies the offset to t. Days and weeks follow the calendar, so
// they keep the wall-clock time across DST changes.
func (o Offset) AddTo(t time.Time) time.Time {
	sign := 1
	if o.Negative {
		sign = -1
	}
	t = t.AddDate(0, 0, sign*(o.Weeks*7+o.Days))
	d := time.Duration(o.Hours)*time.Hour + time.Duration(o.Minutes)*time.Minute + time.Duration(o.Seconds)*time.Second
	return t.Add(time.Duration(sign) * d)
}

// InSeconds is the nominal length, counting a day as 86400 seconds.
func (o Offset) InSeconds() int64 {
	s := int64(o.Weeks)*7*86400 + int64(o.Days)*86400 + int64(o.Hours)*3600 + int64(o.Minutes)*60 + int64(o.Seconds)
	if o.Negative {
		return -s
	}
	return s
}
