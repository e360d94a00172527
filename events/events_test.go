package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDAcceptsStringsAndNumbers(t *testing.T) {
	var req struct {
		DeviceID ID `json:"deviceId"`
		PlantID  ID `json:"plantId"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"deviceId":42,"plantId":"PLANT-1"}`), &req))
	assert.Equal(t, ID("42"), req.DeviceID)
	assert.Equal(t, ID("PLANT-1"), req.PlantID)

	require.NoError(t, json.Unmarshal([]byte(`{"deviceId":null}`), &req))
	assert.Equal(t, ID(""), req.DeviceID)

	require.Error(t, json.Unmarshal([]byte(`{"deviceId":{"a":1}}`), &req))
}

func TestIDCanonicalisesNumbers(t *testing.T) {
	for _, raw := range []string{`42`, `42.0`, `4.2e1`, `"42"`} {
		var id ID
		require.NoError(t, json.Unmarshal([]byte(raw), &id), raw)
		assert.Equal(t, ID("42"), id, raw)
	}

	var big ID
	require.NoError(t, json.Unmarshal([]byte(`123456789012345678901234`), &big))
	assert.Equal(t, ID("123456789012345678901234"), big)

	var id ID
	err := json.Unmarshal([]byte(`42.5`), &id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integer")
}

func TestValidTimestamp(t *testing.T) {
	for _, ts := range []string{
		"2026-10-18T12:00:00Z",
		"2026-10-18T12:00:00.123Z",
		"2025-01-02T03:04:05+05:30",
		"2026-10-18T12:00:00.123456",
		"2026-10-18T12:00:00",
	} {
		assert.True(t, ValidTimestamp(ts), ts)
	}
	for _, ts := range []string{"", "yesterday", "2026-10-18", "18/10/2026 12:00"} {
		assert.False(t, ValidTimestamp(ts), ts)
	}
}

func TestDecodeAcceptsZonelessTimestamp(t *testing.T) {
	naive := "2026-10-18T12:00:00.123456"

	ev, err := Decode(TypePrediction, []byte(`{"predictedPower":4200,"confidence":0.85,"timestamp":"`+naive+`"}`))
	require.NoError(t, err)
	ev.Stamp(time.Now())
	assert.Equal(t, naive, ev.(*Prediction).Timestamp)

	require.NoError(t, Validate(&Anomaly{DeviceID: "SIM-001", Anomaly: true, Score: 0.9, Timestamp: naive}))
}

func TestStampFillsMissingTimestamp(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 30, 0, 0, time.UTC)

	ev := &SolarData{DeviceID: "42"}
	ev.Stamp(now)
	assert.Equal(t, "2026-10-18T12:30:00.000Z", ev.Timestamp)

	_, err := time.Parse(time.RFC3339, ev.Timestamp)
	require.NoError(t, err)
}

func TestStampPreservesExplicitTimestamp(t *testing.T) {
	explicit := "2025-01-02T03:04:05+05:30"
	events := []Event{
		&SolarData{DeviceID: "1", Timestamp: explicit},
		&Alert{ID: "a", Severity: "WARN", Message: "m", Timestamp: explicit},
		&Prediction{Timestamp: explicit},
		&Anomaly{DeviceID: "1", Timestamp: explicit},
	}
	for _, ev := range events {
		ev.Stamp(time.Now())
		raw, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"timestamp":"`+explicit+`"`, ev.EventType())
	}
}

func TestTopicsFor(t *testing.T) {
	assert.Nil(t, TopicsFor("", ""))
	assert.Equal(t, []string{"device:42"}, TopicsFor("42", ""))
	assert.Equal(t, []string{"plant:7"}, TopicsFor("", "7"))
	assert.Equal(t, []string{"device:42", "plant:7"}, TopicsFor("42", "7"))

	assert.Nil(t, (&Prediction{}).Topics())
	assert.Equal(t, []string{"device:9", "plant:3"}, (&Alert{DeviceID: "9", PlantID: "3"}).Topics())
}

func TestDecodeValid(t *testing.T) {
	raw := []byte(`{"deviceId":42,"solarPower":1500,"loadPower":800,"batteryLevel":76,"gridPower":0,"temperature":31,"humidity":40}`)

	ev, err := Decode(TypeSolarData, raw)
	require.NoError(t, err)

	reading, ok := ev.(*SolarData)
	require.True(t, ok)
	assert.Equal(t, ID("42"), reading.DeviceID)
	assert.Equal(t, 1500.0, reading.SolarPower)
	assert.Empty(t, reading.Timestamp)
}

func TestDecodeRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
		raw  string
	}{
		{"solar data without device", TypeSolarData, `{"solarPower":10}`},
		{"battery above range", TypeSolarData, `{"deviceId":"1","batteryLevel":140}`},
		{"negative solar power", TypeSolarData, `{"deviceId":"1","solarPower":-5}`},
		{"bad timestamp", TypeSolarData, `{"deviceId":"1","timestamp":"yesterday"}`},
		{"alert unknown severity", TypeAlert, `{"id":"a1","severity":"meh","message":"x"}`},
		{"alert without message", TypeAlert, `{"id":"a1","severity":"WARN"}`},
		{"confidence above one", TypePrediction, `{"predictedPower":10,"confidence":1.5}`},
		{"anomaly without device", TypeAnomaly, `{"powerValue":1,"anomaly":true,"score":0.9}`},
		{"not json", TypeAnomaly, `{`},
		{"fractional device id", TypeSolarData, `{"deviceId":4.5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.typ, []byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidEvent))
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(Type("weather"), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestSeverityIsCaseInsensitive(t *testing.T) {
	require.NoError(t, Validate(&Alert{ID: "a", Severity: "critical", Message: "inverter offline"}))
}
