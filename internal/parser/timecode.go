package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// timestampRe matches "HH:MM:SS", "HH:MM:SS-HH:MM:SS" and an optional
// trailing "(N sec)" as printed above each transcript block.
var timestampRe = regexp.MustCompile(`(\d{1,3}):(\d{2}):(\d{2})(?:\s*-\s*(\d{1,3}):(\d{2}):(\d{2}))?\s*(?:\((\d+)\s*sec\))?`)

// TimeRange is a parsed timestamp prefix. End and Duration are nil when absent.
type TimeRange struct {
	Start    float64
	End      *float64
	Duration *float64
	// Span is the byte range of the match in the searched string.
	Span [2]int
}

// ParseTimestampRange finds the first timestamp range in s.
func ParseTimestampRange(s string) (TimeRange, bool) {
	m := timestampRe.FindStringSubmatchIndex(s)
	if m == nil {
		return TimeRange{}, false
	}
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return s[m[2*i]:m[2*i+1]]
	}

	tr := TimeRange{Span: [2]int{m[0], m[1]}}
	tr.Start = hms(group(1), group(2), group(3))
	if group(4) != "" {
		end := hms(group(4), group(5), group(6))
		tr.End = &end
	}
	if group(7) != "" {
		d, _ := strconv.Atoi(group(7))
		dur := float64(d)
		tr.Duration = &dur
	}
	return tr, true
}

func hms(h, m, s string) float64 {
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.Atoi(s)
	return float64(hh*3600 + mm*60 + ss)
}

// ParseClock converts "HH:MM:SS", "MM:SS" or plain seconds into seconds.
func ParseClock(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	var total float64
	for i, p := range parts {
		if i > 0 && len(p) != 2 {
			return 0, false
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, false
		}
		if i > 0 && v >= 60 {
			return 0, false
		}
		total = total*60 + v
	}
	return total, true
}
