package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lox/climatenormals/internal/httputil"
	"github.com/lox/climatenormals/internal/metrics"
)

const (
	ACISDataURL     = "https://data.rcc-acis.org/StnData"
	ACISMetadataURL = "https://data.rcc-acis.org/StnMeta"
)

// ErrFetchFailure wraps every transport, HTTP, provider and decode error
// returned by the ACIS client.
var ErrFetchFailure = errors.New("fetch failure")

// Errors that say nothing about the health of ACIS itself. They are not
// counted against the circuit breaker, which is shared by every station.
var (
	errRejected  = errors.New("request rejected")
	errAbandoned = errors.New("request abandoned")
)

// ACIS is a client for the Applied Climate Information System web services.
// See https://www.rcc-acis.org/docs_webservices.html.
type ACIS struct {
	client         *http.Client
	dataURL        string
	metaURL        string
	breaker        *gobreaker.CircuitBreaker
	maxElapsedTime time.Duration
}

func NewACIS(dataURL, metaURL string, timeout time.Duration) *ACIS {
	if dataURL == "" {
		dataURL = ACISDataURL
	}
	if metaURL == "" {
		metaURL = ACISMetadataURL
	}
	return &ACIS{
		client:  httputil.NewClient(timeout),
		dataURL: dataURL,
		metaURL: metaURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "acis",
			MaxRequests: 1,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errRejected) || errors.Is(err, errAbandoned)
			},
		}),
		maxElapsedTime: 2 * time.Minute,
	}
}

// StnMetaResponse is the body returned by the StnMeta endpoint.
type StnMetaResponse struct {
	Meta  []StationMeta `json:"meta"`
	Error string        `json:"error"`
}

type StationMeta struct {
	Name  string    `json:"name"`
	State string    `json:"state"`
	LL    []float64 `json:"ll"` // [lon, lat]
	Elev  *float64  `json:"elev"`
}

// StnDataResponse is the body returned by the StnData endpoint when only
// summaries are requested. Smry holds one group per requested element, in
// request order; each group holds one [value, date] entry per day of year.
type StnDataResponse struct {
	Meta  StationMeta  `json:"meta"`
	Smry  [][][]string `json:"smry"`
	Error string       `json:"error"`
}

type acisElement struct {
	Name     string      `json:"name"`
	Interval string      `json:"interval"`
	Duration int         `json:"duration"`
	Smry     acisSummary `json:"smry"`
	SmryOnly int         `json:"smry_only"`
	GroupBy  string      `json:"groupby"`
}

type acisSummary struct {
	Reduce string `json:"reduce"`
	Add    string `json:"add"`
}

type stnDataRequest struct {
	SID   string        `json:"sid"`
	SDate string        `json:"sdate"`
	EDate string        `json:"edate"`
	Meta  []string      `json:"meta"`
	Elems []acisElement `json:"elems"`
}

type stnMetaRequest struct {
	SIDs string `json:"sids"`
	Meta string `json:"meta"`
}

// dataRequest builds the StnData query for the given schema: a period-of-record
// daily summary for each element, grouped by day of year.
func dataRequest(stationID string, schema Schema) stnDataRequest {
	req := stnDataRequest{
		SID:   stationID,
		SDate: "por",
		EDate: "por",
		Meta:  []string{"name", "state"},
	}
	for _, e := range schema.Elements {
		req.Elems = append(req.Elems, acisElement{
			Name:     e.Name,
			Interval: "dly",
			Duration: 1,
			Smry:     acisSummary{Reduce: e.Reduce, Add: "date"},
			SmryOnly: 1,
			GroupBy:  "year",
		})
	}
	return req
}

// FetchMetadata returns the station's descriptive metadata along with the raw body.
func (a *ACIS) FetchMetadata(ctx context.Context, stationID string) (*StationMeta, []byte, error) {
	body, err := a.post(ctx, a.metaURL, "StnMeta", stnMetaRequest{SIDs: stationID, Meta: "name,state,ll,elev"})
	if err != nil {
		return nil, body, err
	}

	var resp StnMetaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, body, fmt.Errorf("%w: unmarshal metadata: %v", ErrFetchFailure, err)
	}
	if resp.Error != "" {
		return nil, body, fmt.Errorf("%w: acis: %s", ErrFetchFailure, resp.Error)
	}
	if len(resp.Meta) == 0 {
		return nil, body, fmt.Errorf("%w: no metadata for station %s", ErrFetchFailure, stationID)
	}
	return &resp.Meta[0], body, nil
}

// FetchStatistics returns the day-of-year summaries requested by schema.
func (a *ACIS) FetchStatistics(ctx context.Context, stationID string, schema Schema) (*StnDataResponse, []byte, error) {
	body, err := a.post(ctx, a.dataURL, "StnData", dataRequest(stationID, schema))
	if err != nil {
		return nil, body, err
	}

	var resp StnDataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, body, fmt.Errorf("%w: unmarshal statistics: %v", ErrFetchFailure, err)
	}
	if resp.Error != "" {
		return nil, body, fmt.Errorf("%w: acis: %s", ErrFetchFailure, resp.Error)
	}
	return &resp, body, nil
}

func (a *ACIS) post(ctx context.Context, url, endpoint string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	start := time.Now()
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.retry(ctx, url, endpoint, reqBody)
	})
	metrics.ACISAPILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ACISAPICallsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
		} else {
			metrics.ACISAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		}
		if errors.Is(err, ErrFetchFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailure, endpoint, err)
	}
	metrics.ACISAPICallsTotal.WithLabelValues(endpoint, "ok").Inc()
	return result.([]byte), nil
}

func (a *ACIS) retry(ctx context.Context, url, endpoint string, reqBody []byte) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%s: %w", endpoint, err))
			}
			return fmt.Errorf("%s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxErrorBody))
			return backoff.Permanent(fmt.Errorf("%w: %s: status %d: %s", errRejected, endpoint, resp.StatusCode, truncateBody(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = a.maxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errAbandoned, err)
		}
		return nil, err
	}
	return body, nil
}

const maxErrorBody = 512

// truncateBody shortens a response body for inclusion in an error message.
func truncateBody(b []byte) string {
	if len(b) <= maxErrorBody {
		return string(b)
	}
	return string(b[:maxErrorBody]) + "...(truncated)"
}

// Altitude returns the station elevation, if reported.
func (m StationMeta) Altitude() (float64, bool) {
	if m.Elev == nil {
		return 0, false
	}
	return *m.Elev, true
}

// Coordinates returns latitude and longitude, if reported.
func (m StationMeta) Coordinates() (lat, lon float64, ok bool) {
	if len(m.LL) != 2 {
		return 0, 0, false
	}
	return m.LL[1], m.LL[0], true
}
