package openaq

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sells-group/aq-pipeline/internal/fetcher"
)

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = append(s.d, d)
	return nil
}

// getterFunc adapts a function to Getter.
type getterFunc func(ctx context.Context, rawURL string, headers map[string]string, params url.Values) (*gjson.Result, error)

func (f getterFunc) GetJSON(ctx context.Context, rawURL string, headers map[string]string, params url.Values) (*gjson.Result, error) {
	return f(ctx, rawURL, headers, params)
}

func parsed(s string) *gjson.Result {
	r := gjson.Parse(s)
	return &r
}

// dayRows renders n rows with consecutive dates starting at start.
func dayRows(n int, start time.Time) string {
	rows := make([]string, n)
	for i := range n {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		rows[i] = fmt.Sprintf(`{"period":{"datetimeFrom":{"utc":"%sT00:00:00Z"}},"value":%d.5,"parameter":{"name":"pm25","units":"µg/m³"}}`, day, i)
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func testQuery() Query {
	return Query{DateFrom: "2022-01-01", DateTo: "2026-01-01", ParameterID: -1, Limit: 1000}
}

func TestFetchSensorDays_TwoPages(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var pages []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/sensors/123/days", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		q := r.URL.Query()
		assert.Equal(t, "2022-01-01", q.Get("date_from"))
		assert.Equal(t, "1000", q.Get("limit"))
		assert.False(t, q.Has("parameterId"))

		mu.Lock()
		pages = append(pages, q.Get("page"))
		mu.Unlock()

		switch q.Get("page") {
		case "1":
			fmt.Fprintf(w, `{"meta":{"found":1500,"limit":1000,"page":1},"results":%s}`, dayRows(1000, start))
		case "2":
			fmt.Fprintf(w, `{"meta":{"found":1500,"limit":1000,"page":2},"results":%s}`, dayRows(500, start.AddDate(0, 0, 1000)))
		default:
			t.Errorf("unexpected page %s", q.Get("page"))
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rec := &sleeps{}
	c := NewClient("test-key", testQuery(),
		WithBaseURL(srv.URL+"/v3"),
		WithGetter(fetcher.NewJSONClient(fetcher.HTTPOptions{Sleep: rec.sleep})),
		WithSleeper(rec.sleep),
		WithPageDelay(400*time.Millisecond),
	)

	records, err := c.FetchSensorDays(context.Background(), 123)
	require.NoError(t, err)
	assert.Len(t, records, 1500)
	assert.Equal(t, []string{"1", "2"}, pages)
	assert.Equal(t, []time.Duration{400 * time.Millisecond}, rec.d)

	assert.Equal(t, int64(123), records[0].SensorID)
	assert.Equal(t, "2022-01-01T00:00:00Z", records[0].DateUTC)
	assert.Equal(t, start.AddDate(0, 0, 1499).Format("2006-01-02")+"T00:00:00Z", records[1499].DateUTC)
}

func TestFetchSensorDays_ShortPageStops(t *testing.T) {
	var calls int
	g := getterFunc(func(_ context.Context, _ string, _ map[string]string, p url.Values) (*gjson.Result, error) {
		calls++
		return parsed(`{"results":[{"date":"2024-01-01"},{"date":"2024-01-02"}]}`), nil
	})
	q := testQuery()
	q.Limit = 3
	records, err := NewClient("k", q, WithGetter(g)).FetchSensorDays(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, calls)
}

func TestFetchSensorDays_MetaLastPageStops(t *testing.T) {
	var calls int
	g := getterFunc(func(context.Context, string, map[string]string, url.Values) (*gjson.Result, error) {
		calls++
		return parsed(`{"meta":{"found":2,"limit":2,"page":1},"results":[{"date":"2024-01-01"},{"date":"2024-01-02"}]}`), nil
	})
	q := testQuery()
	q.Limit = 2
	records, err := NewClient("k", q, WithGetter(g)).FetchSensorDays(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, calls)
}

func TestFetchSensorDays_NonNumericMetaKeepsPaging(t *testing.T) {
	var pages []string
	g := getterFunc(func(_ context.Context, _ string, _ map[string]string, p url.Values) (*gjson.Result, error) {
		pages = append(pages, p.Get("page"))
		if p.Get("page") == "1" {
			return parsed(`{"meta":{"found":">1","limit":1,"page":1},"results":[{"date":"2024-01-01"}]}`), nil
		}
		return parsed(`{"meta":{},"results":[]}`), nil
	})
	q := testQuery()
	q.Limit = 1
	records, err := NewClient("k", q, WithGetter(g)).FetchSensorDays(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []string{"1", "2"}, pages)
}

func TestFetchSensorDays_DataFallback(t *testing.T) {
	g := getterFunc(func(context.Context, string, map[string]string, url.Values) (*gjson.Result, error) {
		return parsed(`{"results":[],"data":[{"date_utc":"2024-01-01"}]}`), nil
	})
	records, err := NewClient("k", testQuery(), WithGetter(g)).FetchSensorDays(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", records[0].DateUTC)
}

func TestFetchSensorDays_NilPayloadStops(t *testing.T) {
	var calls int
	g := getterFunc(func(context.Context, string, map[string]string, url.Values) (*gjson.Result, error) {
		calls++
		return nil, nil
	})
	records, err := NewClient("k", testQuery(), WithGetter(g)).FetchSensorDays(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, calls)
}

func TestFetchSensorDays_UndateablePageDropped(t *testing.T) {
	g := getterFunc(func(context.Context, string, map[string]string, url.Values) (*gjson.Result, error) {
		return parsed(`{"results":[{"value":1},{"value":2}]}`), nil
	})
	records, err := NewClient("k", testQuery(), WithGetter(g)).FetchSensorDays(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetchSensorDays_PageCeiling(t *testing.T) {
	var calls int
	rec := &sleeps{}
	g := getterFunc(func(context.Context, string, map[string]string, url.Values) (*gjson.Result, error) {
		calls++
		return parsed(fmt.Sprintf(`{"results":[{"date":"2024-01-%02d"}]}`, calls)), nil
	})
	q := testQuery()
	q.Limit = 1
	records, err := NewClient("k", q, WithGetter(g), WithMaxPages(3), WithSleeper(rec.sleep), WithPageDelay(time.Second)).
		FetchSensorDays(context.Background(), 9)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.d, 2)
}

func TestFetchSensorDays_ParameterID(t *testing.T) {
	g := getterFunc(func(_ context.Context, _ string, _ map[string]string, p url.Values) (*gjson.Result, error) {
		assert.Equal(t, "2", p.Get("parameterId"))
		return parsed(`{"results":[]}`), nil
	})
	q := testQuery()
	q.ParameterID = 2
	_, err := NewClient("k", q, WithGetter(g)).FetchSensorDays(context.Background(), 9)
	require.NoError(t, err)
}

func TestFetchSensorDays_GetterError(t *testing.T) {
	g := getterFunc(func(ctx context.Context, _ string, _ map[string]string, _ url.Values) (*gjson.Result, error) {
		return nil, context.Canceled
	})
	_, err := NewClient("k", testQuery(), WithGetter(g)).FetchSensorDays(context.Background(), 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchAll_OrderAndSensorDelay(t *testing.T) {
	rec := &sleeps{}
	g := getterFunc(func(_ context.Context, rawURL string, _ map[string]string, _ url.Values) (*gjson.Result, error) {
		switch {
		case strings.Contains(rawURL, "/sensors/5/"):
			return parsed(`{"results":[{"date":"2024-01-01"},{"date":"2024-01-02"}]}`), nil
		case strings.Contains(rawURL, "/sensors/3/"):
			return parsed(`{"results":[{"date":"2024-02-01"}]}`), nil
		}
		return nil, nil
	})
	c := NewClient("k", testQuery(), WithGetter(g), WithSleeper(rec.sleep), WithSensorDelay(1500*time.Millisecond))

	res, err := c.FetchAll(context.Background(), []int64{5, 3, 8})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, int64(5), res.Records[0].SensorID)
	assert.Equal(t, int64(3), res.Records[2].SensorID)
	assert.Equal(t, []SensorCount{{5, 2}, {3, 1}, {8, 0}}, res.PerSensor)
	// Two gaps between three sensors.
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond}, rec.d)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("k", Query{}).(*httpClient)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultMaxPages, c.maxPages)
	assert.Equal(t, 1, c.query.Limit)
	assert.NotNil(t, c.get)
}
