// Package events defines the envelopes the relay fans out to dashboard
// clients and the schema each publish input is validated against.
package events

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Type identifies a broadcast event and doubles as the wire event name.
type Type string

const (
	TypeSolarData  Type = "solar-data"
	TypeAlert      Type = "alert"
	TypePrediction Type = "prediction"
	TypeAnomaly    Type = "anomaly"
	TypeStats      Type = "stats"
	TypeConnected  Type = "connected"
)

// TimeLayout renders timestamps the way dashboards expect them: ISO-8601 in
// UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// maxExactFloatInt is the largest integer a float64 holds exactly.
const maxExactFloatInt = 1 << 53

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrUnknownType  = errors.New("unknown event type")
)

// Timestamp formats t with TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// acceptedLayouts are tried in order. Python's isoformat() omits the zone
// for naive datetimes, so a local wall-clock time is accepted as well.
var acceptedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ValidTimestamp reports whether s is an ISO-8601 date-time, with or without
// a UTC offset.
func ValidTimestamp(s string) bool {
	for _, layout := range acceptedLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// ID is a device or plant identifier. Producers send either JSON strings or
// numbers; both decode to the same ID. Numbers are canonicalised, so 42,
// 42.0 and 4.2e1 are all ID("42"). A non-integral number is rejected.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Errorf("id must be a string or number, got %s", b)
	}
	canonical, err := canonicalNumber(n)
	if err != nil {
		return err
	}
	*id = ID(canonical)
	return nil
}

func canonicalNumber(n json.Number) (string, error) {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		// Integer literal wider than int64; keep its digits.
		return lit, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactFloatInt {
		return "", errors.Errorf("id must be an integer, got %s", lit)
	}
	return strconv.FormatInt(int64(f), 10), nil
}

// Envelope is the {type, data} wrapper around every domain broadcast.
type Envelope struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Event is implemented by every publishable payload.
type Event interface {
	EventType() Type
	// Stamp fills the timestamp with now when the producer left it empty.
	Stamp(now time.Time)
	// Topics lists the rooms the event belongs to; nil means global only.
	Topics() []string
}

// SolarData is a single device reading.
type SolarData struct {
	DeviceID     ID      `json:"deviceId" validate:"required"`
	PlantID      ID      `json:"plantId,omitempty"`
	SolarPower   float64 `json:"solarPower" validate:"gte=0"`
	LoadPower    float64 `json:"loadPower" validate:"gte=0"`
	BatteryLevel float64 `json:"batteryLevel" validate:"gte=0,lte=100"`
	GridPower    float64 `json:"gridPower"`
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity" validate:"gte=0,lte=100"`
	Timestamp    string  `json:"timestamp" validate:"omitempty,timestamp"`
}

// Alert is an operator-facing alarm raised by the backend.
type Alert struct {
	ID        ID     `json:"id" validate:"required"`
	Severity  string `json:"severity" validate:"required,severity"`
	Message   string `json:"message" validate:"required"`
	DeviceID  ID     `json:"deviceId,omitempty"`
	PlantID   ID     `json:"plantId,omitempty"`
	Timestamp string `json:"timestamp" validate:"omitempty,timestamp"`
}

// Prediction is a forecast of plant output.
type Prediction struct {
	PredictedPower float64 `json:"predictedPower" validate:"gte=0"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
	Timestamp      string  `json:"timestamp" validate:"omitempty,timestamp"`
}

// Anomaly is the outcome of scoring a reading against expected output.
type Anomaly struct {
	DeviceID   ID      `json:"deviceId" validate:"required"`
	PlantID    ID      `json:"plantId,omitempty"`
	PowerValue float64 `json:"powerValue"`
	Anomaly    bool    `json:"anomaly"`
	Score      float64 `json:"score" validate:"gte=0"`
	Message    string  `json:"message"`
	Timestamp  string  `json:"timestamp" validate:"omitempty,timestamp"`
}

// Stats is the heartbeat payload. It is broadcast without an envelope.
type Stats struct {
	ConnectedClients int     `json:"connectedClients"`
	Uptime           float64 `json:"uptime"`
	Timestamp        string  `json:"timestamp"`
}

// Connected is the one-time handshake sent to a fresh connection.
type Connected struct {
	Message   string `json:"message"`
	ClientID  string `json:"clientId"`
	Timestamp string `json:"timestamp"`
}

func (*SolarData) EventType() Type  { return TypeSolarData }
func (*Alert) EventType() Type      { return TypeAlert }
func (*Prediction) EventType() Type { return TypePrediction }
func (*Anomaly) EventType() Type    { return TypeAnomaly }

func (e *SolarData) Stamp(now time.Time)  { stamp(&e.Timestamp, now) }
func (e *Alert) Stamp(now time.Time)      { stamp(&e.Timestamp, now) }
func (e *Prediction) Stamp(now time.Time) { stamp(&e.Timestamp, now) }
func (e *Anomaly) Stamp(now time.Time)    { stamp(&e.Timestamp, now) }

func (e *SolarData) Topics() []string  { return TopicsFor(e.DeviceID, e.PlantID) }
func (e *Alert) Topics() []string      { return TopicsFor(e.DeviceID, e.PlantID) }
func (e *Prediction) Topics() []string { return nil }
func (e *Anomaly) Topics() []string    { return TopicsFor(e.DeviceID, e.PlantID) }

func stamp(ts *string, now time.Time) {
	if *ts == "" {
		*ts = Timestamp(now)
	}
}

// DeviceTopic and PlantTopic build room names.
func DeviceTopic(id ID) string { return "device:" + string(id) }
func PlantTopic(id ID) string  { return "plant:" + string(id) }

// TopicsFor returns the rooms addressed by an optional device and plant id.
func TopicsFor(deviceID, plantID ID) []string {
	var topics []string
	if deviceID != "" {
		topics = append(topics, DeviceTopic(deviceID))
	}
	if plantID != "" {
		topics = append(topics, PlantTopic(plantID))
	}
	return topics
}

// New returns an empty payload for t, ready to be decoded into.
func New(t Type) (Event, error) {
	switch t {
	case TypeSolarData:
		return &SolarData{}, nil
	case TypeAlert:
		return &Alert{}, nil
	case TypePrediction:
		return &Prediction{}, nil
	case TypeAnomaly:
		return &Anomaly{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownType, "%q", t)
}

// Decode parses raw into the payload for t and validates it.
func Decode(t Type, raw []byte) (Event, error) {
	ev, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, errors.Wrapf(ErrInvalidEvent, "%s: %v", t, err)
	}
	if err := Validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

var validate *validator.Validate

var severities = map[string]bool{"INFO": true, "WARN": true, "WARNING": true, "CRITICAL": true}

func init() {
	validate = validator.New()

	validate.RegisterValidation("timestamp", func(fl validator.FieldLevel) bool {
		return ValidTimestamp(fl.Field().String())
	})
	validate.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return severities[strings.ToUpper(fl.Field().String())]
	})
}

// Validate checks ev against its schema. The returned error wraps
// ErrInvalidEvent.
func Validate(ev Event) error {
	if err := validate.Struct(ev); err != nil {
		return errors.Wrapf(ErrInvalidEvent, "%s: %v", ev.EventType(), err)
	}
	return nil
}
