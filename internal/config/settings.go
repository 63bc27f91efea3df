package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultDateFrom is the fixed historical start of the fetch window.
const DefaultDateFrom = "2022-01-01"

// Lower bounds applied to numeric settings.
const (
	minLimit       = 1
	minTimeoutSecs = 5
	minMaxRetries  = 1
)

var sensorIDToken = regexp.MustCompile(`\b\d+\b`)

// Ingest is the resolved, validated configuration of one ingest run.
type Ingest struct {
	Project     string
	DatabaseURL string
	Dataset     string
	Table       string
	Location    string

	APIKey      string
	BaseURL     string
	DateFrom    string
	DateTo      string
	ParameterID int64
	SensorIDs   []int64

	Limit               int
	Timeout             time.Duration
	MaxRetries          int
	SleepBetweenPages   time.Duration
	SleepBetweenSensors time.Duration
	MaxPages            int
	RequestsPerSecond   float64
}

// DateRange returns the parsed fetch window.
func (i Ingest) DateRange() (time.Time, time.Time) {
	from, _ := parseDate(i.DateFrom)
	to, _ := parseDate(i.DateTo)
	return from, to
}

// Transform is the resolved configuration of one transform run.
type Transform struct {
	Project          string
	DatabaseURL      string
	Location         string
	SQLDir           string
	ProgressInterval time.Duration
}

// Ingest resolves and validates the ingest settings. now supplies the
// default end date.
func (c *Config) Ingest(now time.Time) (Ingest, error) {
	project := strings.TrimSpace(c.Project)
	if project == "" {
		return Ingest{}, eris.New("config: GOOGLE_CLOUD_PROJECT is required")
	}
	apiKey := strings.TrimSpace(c.OpenAQ.APIKey)
	if apiKey == "" {
		return Ingest{}, eris.New("config: OPENAQ_API_KEY must be provided")
	}

	ids := ParseSensorIDsFile(strings.TrimSpace(c.OpenAQ.SensorIDsFile))
	if len(ids) == 0 {
		ids = ParseSensorIDs(c.OpenAQ.SensorIDs)
	}
	if len(ids) == 0 {
		return Ingest{}, eris.New("config: no sensor IDs provided via IDS/IDS_FILE or CLI arguments")
	}

	dateFrom := strings.TrimSpace(c.OpenAQ.DateFrom)
	if dateFrom == "" {
		dateFrom = DefaultDateFrom
	}
	from, err := parseDate(dateFrom)
	if err != nil {
		return Ingest{}, eris.Wrapf(err, "config: invalid date_from %q", dateFrom)
	}
	dateTo := strings.TrimSpace(c.OpenAQ.DateTo)
	if dateTo == "" {
		dateTo = now.UTC().Format(time.DateOnly)
	}
	to, err := parseDate(dateTo)
	if err != nil {
		return Ingest{}, eris.Wrapf(err, "config: invalid date_to %q", dateTo)
	}
	if to.Before(from) {
		dateTo = dateFrom
	}

	return Ingest{
		Project:     project,
		DatabaseURL: strings.TrimSpace(c.Warehouse.DatabaseURL),
		Dataset:     strings.TrimSpace(c.Warehouse.Dataset),
		Table:       strings.TrimSpace(c.Warehouse.Table),
		Location:    strings.TrimSpace(c.Warehouse.Location),

		APIKey:      apiKey,
		BaseURL:     strings.TrimRight(strings.TrimSpace(c.OpenAQ.BaseURL), "/"),
		DateFrom:    dateFrom,
		DateTo:      dateTo,
		ParameterID: max(-1, c.OpenAQ.ParameterID),
		SensorIDs:   ids,

		Limit:               max(minLimit, c.OpenAQ.Limit),
		Timeout:             time.Duration(max(minTimeoutSecs, c.OpenAQ.TimeoutSecs)) * time.Second,
		MaxRetries:          max(minMaxRetries, c.OpenAQ.MaxRetries),
		SleepBetweenPages:   seconds(c.OpenAQ.SleepBetweenPages),
		SleepBetweenSensors: seconds(c.OpenAQ.SleepBetweenSensors),
		MaxPages:            max(1, c.OpenAQ.MaxPages),
		RequestsPerSecond:   max(0, c.OpenAQ.RequestsPerSecond),
	}, nil
}

// TransformSettings resolves the transform settings.
func (c *Config) TransformSettings() (Transform, error) {
	project := strings.TrimSpace(c.Project)
	if project == "" {
		return Transform{}, eris.New("config: GOOGLE_CLOUD_PROJECT is required")
	}
	return Transform{
		Project:          project,
		DatabaseURL:      strings.TrimSpace(c.Warehouse.DatabaseURL),
		Location:         strings.TrimSpace(c.Warehouse.Location),
		SQLDir:           strings.TrimSpace(c.Transform.SQLDir),
		ProgressInterval: seconds(c.Transform.ProgressIntervalSecs),
	}, nil
}

// ParseSensorIDs extracts every standalone run of digits in text as a sensor
// ID, dropping repeats while keeping first-seen order.
func ParseSensorIDs(text string) []int64 {
	var ids []int64
	seen := make(map[int64]bool)
	for _, tok := range sensorIDToken.FindAllString(text, -1) {
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil || id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// ParseSensorIDsFile reads sensor IDs from path. A blank path or an unreadable
// file yields no IDs.
func ParseSensorIDsFile(path string) []int64 {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return ParseSensorIDs(string(data))
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func seconds(f float64) time.Duration {
	if f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
