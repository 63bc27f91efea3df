package openaq

import (
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/aq-pipeline/internal/model"
	"github.com/sells-group/aq-pipeline/internal/normalize"
)

func (c *httpClient) FetchSensorDays(ctx context.Context, sensorID int64) ([]model.Record, error) {
	log := zap.L().With(zap.String("component", "openaq"), zap.Int64("sensor_id", sensorID))
	endpoint := fmt.Sprintf("%s/sensors/%d/days", c.baseURL, sensorID)

	var collected []model.Record
	for page := 1; ; page++ {
		payload, err := c.get.GetJSON(ctx, endpoint, c.headers(), c.params(page))
		if err != nil {
			return nil, eris.Wrapf(err, "openaq: sensor %d page %d", sensorID, page)
		}
		if payload == nil || !payload.IsObject() || len(payload.Map()) == 0 {
			log.Warn("empty payload or request failed", zap.Int("page", page))
			break
		}

		rows := resultRows(*payload)
		if len(rows) == 0 {
			log.Info("no results",
				zap.Int("page", page),
				zap.String("meta", excerpt(payload.Get("meta").Raw, 256)),
			)
			break
		}

		before := len(collected)
		for _, row := range rows {
			if rec, ok := normalize.Normalize(sensorID, row); ok {
				collected = append(collected, *rec)
			}
		}
		kept := len(collected) - before
		if kept == 0 {
			log.Warn("dropped rows after normalization",
				zap.Int("page", page),
				zap.String("sample", excerpt(rows[0].Raw, 512)),
			)
		}
		log.Debug("page fetched",
			zap.Int("page", page),
			zap.Int("results", len(rows)),
			zap.Int("kept", kept),
		)

		if lastPage(payload.Get("meta")) || len(rows) < c.query.Limit {
			break
		}
		if page >= c.maxPages {
			log.Warn("page ceiling reached, stopping", zap.Int("max_pages", c.maxPages))
			break
		}
		if c.pageDelay > 0 {
			if err := c.sleep(ctx, c.pageDelay); err != nil {
				return nil, eris.Wrap(err, "openaq: sleep between pages")
			}
		}
	}

	log.Info("rows fetched", zap.Int("rows", len(collected)))
	return collected, nil
}

// resultRows returns the page's rows from results, falling back to data.
func resultRows(payload gjson.Result) []gjson.Result {
	for _, key := range []string{"results", "data"} {
		if v := payload.Get(key); v.IsArray() {
			if rows := v.Array(); len(rows) > 0 {
				return rows
			}
		}
	}
	return nil
}

// lastPage reports whether meta proves the current page is the final one.
// Metadata that is missing or non-numeric proves nothing.
func lastPage(meta gjson.Result) bool {
	found, limit, page := meta.Get("found"), meta.Get("limit"), meta.Get("page")
	if found.Type != gjson.Number || limit.Type != gjson.Number || page.Type != gjson.Number {
		return false
	}
	perPage := max(1, int64(limit.Float()))
	total := int64(math.Ceil(found.Float() / float64(perPage)))
	return int64(page.Float()) >= total
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
