// Package model defines the records that flow between the fetch, load, and
// run-log stages.
package model

// Record is one normalized daily aggregate for a sensor.
//
// DateUTC is always a non-empty, UTC-qualified ISO-8601 timestamp string.
// Every other measurement field is nil when the source row lacked it.
type Record struct {
	SensorID   int64    `json:"sensor_id"`
	DateUTC    string   `json:"date_utc"`
	Value      *float64 `json:"value"`
	Units      *string  `json:"units"`
	Parameter  *string  `json:"parameter"`
	LocationID *int64   `json:"location_id"`
	Longitude  *float64 `json:"longitude"`
	Latitude   *float64 `json:"latitude"`
	RawJSON    string   `json:"raw_json"`
}
