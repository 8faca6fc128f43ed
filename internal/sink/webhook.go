package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

// Webhook is the optional secondary destination: a bearer-authenticated POST
// carrying a logical table name and the position payload.
type Webhook struct {
	url   string
	token string
	table string
	http  *http.Client
}

type webhookEnvelope struct {
	Table       string          `json:"table"`
	EventID     string          `json:"eventId"`
	CollectedAt time.Time       `json:"collectedAt"`
	Data        *model.Position `json:"data"`
}

func NewWebhook(url, token, table string) *Webhook {
	return &Webhook{url: url, token: token, table: table, http: &http.Client{}}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, pos *model.Position) error {
	env := webhookEnvelope{
		Table:       w.table,
		EventID:     uuid.NewString(),
		CollectedAt: time.Now().UTC(),
		Data:        pos,
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return &Error{Kind: BadResponse, Err: fmt.Errorf("marshal envelope: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(buf))
	if err != nil {
		return &Error{Kind: BadResponse, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)); err != nil {
		return &Error{Kind: BadResponse, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: Status, StatusCode: resp.StatusCode}
	}
	return nil
}
