package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

// NewTraccar builds the primary destination client. protocol selects the
// OsmAnd query-parameter form ("query") or the JSON-body form ("json"); both
// talk to the same endpoint and honor the same contract.
func NewTraccar(baseURL, protocol string, logger *log.Logger, debug bool) Sink {
	c := traccarBase{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  logger,
		debug:   debug,
	}
	if protocol == "json" {
		return &TraccarJSON{c}
	}
	return &TraccarQuery{c}
}

type traccarBase struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
	debug   bool
}

func (c *traccarBase) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &Error{Kind: BadResponse, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.debug {
			c.logger.Printf("[traccar] http %d: %s", resp.StatusCode, body)
		}
		return &Error{Kind: Status, StatusCode: resp.StatusCode}
	}
	return nil
}

// TraccarQuery sends positions as OsmAnd GET requests, the way phone
// trackers report to a Traccar server.
type TraccarQuery struct {
	traccarBase
}

func (c *TraccarQuery) Name() string { return "traccar" }

func (c *TraccarQuery) Send(ctx context.Context, pos *model.Position) error {
	params := url.Values{}
	params.Set("id", pos.DeviceID)
	params.Set("lat", formatFloat(pos.Lat))
	params.Set("lon", formatFloat(pos.Lon))
	params.Set("timestamp", strconv.FormatInt(pos.Timestamp.Unix(), 10))
	params.Set("valid", "true")

	// OsmAnd convention: zero speed and zero accuracy are noise, not data.
	if pos.SpeedKnots != nil && *pos.SpeedKnots > 0 {
		params.Set("speed", formatFloat(*pos.SpeedKnots))
	}
	if pos.Course != nil {
		params.Set("bearing", formatFloat(*pos.Course))
	}
	if pos.Accuracy != nil && *pos.Accuracy > 0 {
		params.Set("accuracy", formatFloat(*pos.Accuracy))
	}
	if pos.BatteryLevel != nil {
		params.Set("batt", strconv.Itoa(int(math.Round(*pos.BatteryLevel*100))))
	}
	if pos.Charging != nil {
		params.Set("charge", strconv.FormatBool(*pos.Charging))
	}
	params.Set("motion", strconv.FormatBool(pos.Motion))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return &Error{Kind: BadResponse, Err: err}
	}
	return c.do(req)
}

// TraccarJSON posts the position record as a JSON body, for server variants
// that prefer body payloads over query strings.
type TraccarJSON struct {
	traccarBase
}

func (c *TraccarJSON) Name() string { return "traccar" }

func (c *TraccarJSON) Send(ctx context.Context, pos *model.Position) error {
	buf, err := json.Marshal(pos)
	if err != nil {
		return &Error{Kind: BadResponse, Err: fmt.Errorf("marshal position: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return &Error{Kind: BadResponse, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
