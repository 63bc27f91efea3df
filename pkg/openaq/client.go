// Package openaq provides a client for the OpenAQ v3 sensor days API.
package openaq

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/fetcher"
	"github.com/sells-group/aq-pipeline/internal/model"
	"github.com/sells-group/aq-pipeline/internal/resilience"
)

// DefaultBaseURL is the public OpenAQ v3 endpoint.
const DefaultBaseURL = "https://api.openaq.org/v3"

// DefaultMaxPages bounds pagination per sensor.
const DefaultMaxPages = 1000

// Client defines the OpenAQ fetch operations.
type Client interface {
	// FetchSensorDays pages through /sensors/{id}/days and returns the
	// normalized records in page order.
	FetchSensorDays(ctx context.Context, sensorID int64) ([]model.Record, error)
	// FetchAll fetches every sensor in order and concatenates the records.
	FetchAll(ctx context.Context, sensorIDs []int64) (*FetchResult, error)
}

// Getter issues a JSON GET. *fetcher.JSONClient satisfies it.
type Getter interface {
	GetJSON(ctx context.Context, rawURL string, headers map[string]string, params url.Values) (*gjson.Result, error)
}

// Query holds the per-request filter parameters.
type Query struct {
	DateFrom string
	DateTo   string
	// ParameterID filters by pollutant when >= 0.
	ParameterID int64
	// Limit is the page size requested from the API.
	Limit int
}

// SensorCount reports what one sensor contributed to a fetch.
type SensorCount struct {
	SensorID int64 `json:"sensor_id"`
	Rows     int   `json:"rows"`
}

// FetchResult holds the outcome of FetchAll.
type FetchResult struct {
	Records   []model.Record `json:"-"`
	PerSensor []SensorCount  `json:"per_sensor"`
}

// Option configures the OpenAQ client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithGetter sets the JSON transport.
func WithGetter(g Getter) Option {
	return func(c *httpClient) {
		c.get = g
	}
}

// WithSleeper replaces the sleep used between pages and sensors.
func WithSleeper(s resilience.Sleeper) Option {
	return func(c *httpClient) {
		c.sleep = s
	}
}

// WithPageDelay sets the pause between consecutive pages of one sensor.
func WithPageDelay(d time.Duration) Option {
	return func(c *httpClient) {
		c.pageDelay = d
	}
}

// WithSensorDelay sets the pause between sensors in FetchAll.
func WithSensorDelay(d time.Duration) Option {
	return func(c *httpClient) {
		c.sensorDelay = d
	}
}

// WithMaxPages caps the number of pages requested per sensor.
func WithMaxPages(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

type httpClient struct {
	apiKey      string
	baseURL     string
	query       Query
	get         Getter
	sleep       resilience.Sleeper
	pageDelay   time.Duration
	sensorDelay time.Duration
	maxPages    int
}

// NewClient creates a new OpenAQ client.
func NewClient(apiKey string, q Query, opts ...Option) Client {
	if q.Limit < 1 {
		q.Limit = 1
	}
	c := &httpClient{
		apiKey:   apiKey,
		baseURL:  DefaultBaseURL,
		query:    q,
		sleep:    resilience.Sleep,
		maxPages: DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.get == nil {
		c.get = fetcher.NewJSONClient(fetcher.HTTPOptions{})
	}
	return c
}

func (c *httpClient) headers() map[string]string {
	return map[string]string{
		"accept":    "application/json",
		"X-API-Key": c.apiKey,
	}
}

func (c *httpClient) params(page int) url.Values {
	p := url.Values{}
	p.Set("date_from", c.query.DateFrom)
	p.Set("date_to", c.query.DateTo)
	p.Set("limit", strconv.Itoa(c.query.Limit))
	p.Set("page", strconv.Itoa(page))
	if c.query.ParameterID >= 0 {
		p.Set("parameterId", strconv.FormatInt(c.query.ParameterID, 10))
	}
	return p
}

func (c *httpClient) FetchAll(ctx context.Context, sensorIDs []int64) (*FetchResult, error) {
	res := &FetchResult{}
	for i, id := range sensorIDs {
		if i > 0 && c.sensorDelay > 0 {
			if err := c.sleep(ctx, c.sensorDelay); err != nil {
				return nil, eris.Wrap(err, "openaq: sleep between sensors")
			}
		}
		records, err := c.FetchSensorDays(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Records = append(res.Records, records...)
		res.PerSensor = append(res.PerSensor, SensorCount{SensorID: id, Rows: len(records)})
	}
	zap.L().Info("openaq: fetch complete",
		zap.Int("sensors", len(sensorIDs)),
		zap.Int("rows", len(res.Records)),
	)
	return res, nil
}
