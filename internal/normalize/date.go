package normalize

import (
	"strings"

	"github.com/tidwall/gjson"
)

// dateStrategy returns the date candidates one response shape offers, in
// preference order.
type dateStrategy struct {
	name    string
	extract func(row gjson.Result) []string
}

var (
	dateUTCKeys    = []string{"utc", "UTC", "iso", "dateUtc", "dateUTC"}
	dateLocalKeys  = []string{"local", "LOCAL", "dateLocal", "date"}
	flatDateKeys   = []string{"date_utc", "dateUtc", "datetime", "datetimeUtc", "datetime_utc", "utc"}
	periodKeys     = []string{"datetimeTo", "dateTimeTo", "datetimeFrom", "dateTimeFrom", "utc", "UTC", "to", "from", "end", "start"}
	periodNestKeys = []string{"utc", "UTC", "iso", "local"}
	windowKeys     = []string{"start", "end"}
)

var dateStrategies = []dateStrategy{
	{name: "date_object", extract: func(row gjson.Result) []string {
		obj := row.Get("date")
		if !obj.IsObject() {
			return nil
		}
		return append(stringsAt(obj, dateUTCKeys), stringsAt(obj, dateLocalKeys)...)
	}},
	{name: "date_string", extract: func(row gjson.Result) []string {
		if v := row.Get("date"); v.Type == gjson.String {
			return []string{v.Str}
		}
		return nil
	}},
	{name: "flat", extract: func(row gjson.Result) []string {
		return stringsAt(row, flatDateKeys)
	}},
	{name: "period", extract: func(row gjson.Result) []string {
		period := row.Get("period")
		if !period.IsObject() {
			return nil
		}
		var out []string
		for _, key := range periodKeys {
			v := period.Get(key)
			switch {
			case v.IsObject():
				if nested := stringsAt(v, periodNestKeys); len(nested) > 0 {
					out = append(out, nested[0])
				}
			case v.Type == gjson.String:
				out = append(out, v.Str)
			}
		}
		return out
	}},
	{name: "window", extract: func(row gjson.Result) []string {
		window := row.Get("window")
		if !window.IsObject() {
			return nil
		}
		return stringsAt(window, windowKeys)
	}},
}

// ExtractDateUTC returns the first candidate date in row that normalizes to a
// parseable UTC-qualified timestamp, and the name of the strategy that found it.
func ExtractDateUTC(row gjson.Result) (string, string, bool) {
	for _, s := range dateStrategies {
		for _, candidate := range s.extract(row) {
			normalized := NormalizeTimestamp(candidate)
			if normalized == "" {
				continue
			}
			if _, ok := ParseTimestamp(normalized); ok {
				return normalized, s.name, true
			}
		}
	}
	return "", "", false
}

// stringsAt returns the non-blank string values of keys in obj, in key order.
func stringsAt(obj gjson.Result, keys []string) []string {
	var out []string
	for _, key := range keys {
		v := obj.Get(gjson.Escape(key))
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			out = append(out, v.Str)
		}
	}
	return out
}
