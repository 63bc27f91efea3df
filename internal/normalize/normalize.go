// Package normalize maps heterogeneous OpenAQ daily-aggregate rows onto
// model.Record. Each field is read through an ordered list of alternative
// key paths; the first usable one wins.
package normalize

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sells-group/aq-pipeline/internal/model"
)

var (
	valueKeys      = []string{"average", "valueAvg", "value_mean", "value", "avg"}
	statisticsKeys = []string{"statistics.mean", "statistics.avg"}
	unitKeys       = []string{"parameter.units", "parameter.unit"}
	parameterKeys  = []string{"name", "code", "id"}
)

// Normalize converts one raw row into a Record. It returns false when the row
// is not an object or carries no usable date.
func Normalize(sensorID int64, row gjson.Result) (*model.Record, bool) {
	if !row.IsObject() {
		return nil, false
	}
	date, _, ok := ExtractDateUTC(row)
	if !ok {
		return nil, false
	}

	rec := &model.Record{
		SensorID:   sensorID,
		DateUTC:    date,
		Value:      extractValue(row),
		Units:      extractUnits(row),
		Parameter:  extractParameter(row),
		LocationID: extractLocationID(row),
		Longitude:  coordinate(row, "longitude"),
		Latitude:   coordinate(row, "latitude"),
		RawJSON:    row.Raw,
	}
	return rec, true
}

func extractValue(row gjson.Result) *float64 {
	for _, key := range valueKeys {
		if v := row.Get(key); v.Type == gjson.Number {
			f := v.Float()
			return &f
		}
	}
	if !row.Get("statistics").IsObject() {
		return nil
	}
	for _, path := range statisticsKeys {
		if v := row.Get(path); v.Type == gjson.Number {
			f := v.Float()
			return &f
		}
	}
	return nil
}

func extractUnits(row gjson.Result) *string {
	if v := row.Get("units"); v.Type == gjson.String && v.Str != "" {
		return ptr(v.Str)
	}
	if !row.Get("parameter").IsObject() {
		return nil
	}
	for _, path := range unitKeys {
		v := row.Get(path)
		if !truthy(v) {
			continue
		}
		if v.Type == gjson.String {
			return ptr(v.Str)
		}
		return nil
	}
	return nil
}

func extractParameter(row gjson.Result) *string {
	p := row.Get("parameter")
	switch {
	case p.Type == gjson.String:
		return ptr(p.Str)
	case p.IsObject():
		for _, key := range parameterKeys {
			v := p.Get(key)
			if !truthy(v) {
				continue
			}
			if v.Type == gjson.String {
				return ptr(v.Str)
			}
			return ptr(v.Raw)
		}
	}
	return nil
}

func extractLocationID(row gjson.Result) *int64 {
	v := row.Get("location_id")
	if !truthy(v) {
		v = row.Get("locationId")
	}
	return toInt(v)
}

// coordinate reads a flat longitude/latitude, falling back to the nested
// coordinates object.
func coordinate(row gjson.Result, key string) *float64 {
	if f := toFloat(row.Get(key)); f != nil {
		return f
	}
	if c := row.Get("coordinates"); c.IsObject() {
		return toFloat(c.Get(key))
	}
	return nil
}

func toInt(v gjson.Result) *int64 {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		return &n
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil
		}
		return &n
	}
	return nil
}

func toFloat(v gjson.Result) *float64 {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// truthy reports whether v is present and not an empty or zero value.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Float() != 0
	case gjson.JSON:
		return v.Raw != "{}" && v.Raw != "[]"
	}
	return v.Exists()
}

func ptr[T any](v T) *T { return &v }
