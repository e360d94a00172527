package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/wailbentafat/solar-hub/broker"
	"github.com/wailbentafat/solar-hub/events"
)

const (
	httpTimeout     = 10 * time.Second
	sendRetries     = 2
	sendBackoff     = 200 * time.Millisecond
	maxErrorBodyLen = 512
	brokerSource    = "simulator"
)

// Sink delivers a reading produced for a device.
type Sink interface {
	Send(ctx context.Context, d Device, r Reading) error
}

// HTTPSink posts readings to the backend ingestion endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(serverURL, endpoint string) *HTTPSink {
	return &HTTPSink{
		url:    serverURL + endpoint,
		client: &http.Client{Timeout: httpTimeout},
	}
}

// Send posts r as JSON. Transport errors and 5xx answers are retried;
// any other non-200 status is returned at once.
func (s *HTTPSink) Send(ctx context.Context, d Device, r Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal reading")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sendBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, sendRetries), ctx)

	return backoff.Retry(func() error {
		return s.post(ctx, body)
	}, policy)
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", s.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	err = errors.Errorf("HTTP %d: %s", resp.StatusCode, errorMessage(resp.Body))
	if resp.StatusCode >= http.StatusInternalServerError {
		return err
	}
	return backoff.Permanent(err)
}

// errorMessage prefers the backend's {"error": "..."} field.
func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyLen))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return string(bytes.TrimSpace(raw))
}

// BrokerSink skips the backend and publishes solar-data events straight
// onto the relay's ingest channel.
type BrokerSink struct {
	broker  broker.MessageBroker
	channel string
	now     func() time.Time
}

func NewBrokerSink(mb broker.MessageBroker, channel string) *BrokerSink {
	return &BrokerSink{broker: mb, channel: channel, now: time.Now}
}

func (s *BrokerSink) Send(ctx context.Context, d Device, r Reading) error {
	msg, err := broker.NewMessage(string(events.TypeSolarData), brokerSource, ToSolarData(d, r, s.now()))
	if err != nil {
		return errors.Wrap(err, "encode reading")
	}
	return s.broker.Publish(ctx, s.channel, msg)
}

// ToSolarData converts an ingestion body to the event the relay broadcasts.
func ToSolarData(d Device, r Reading, at time.Time) events.SolarData {
	return events.SolarData{
		DeviceID:     events.ID(d.ID),
		PlantID:      events.ID(d.PlantID),
		SolarPower:   r.SolarPower,
		LoadPower:    r.LoadPower,
		BatteryLevel: r.BatteryLevel,
		GridPower:    r.GridPower,
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		Timestamp:    events.Timestamp(at),
	}
}
