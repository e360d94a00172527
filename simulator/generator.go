// Package simulator emulates solar meters that report physically plausible
// readings on a timer.
package simulator

import (
	"math"
	"math/rand"
	"time"

	"github.com/wailbentafat/solar-hub/config"
)

// Fault kinds.
const (
	FaultZeroVoltage = "ZERO_VOLTAGE"
	FaultSpike       = "SPIKE"
	FaultLowCurrent  = "LOW_CURRENT"
)

const (
	nightDischarge = 2.0  // % per hour
	dayCharge      = 15.0 // % per hour at peak sun
	baseBattery    = 50.0
	baseTemp       = 25.0
	tempLagHours   = 2.0
	baseHumidity   = 60.0
)

// Rand is the randomness source. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Reading is the ingestion body a real device posts.
type Reading struct {
	APIKey       string  `json:"api_key"`
	SolarPower   float64 `json:"solar_power"`
	LoadPower    float64 `json:"load_power"`
	BatteryLevel float64 `json:"battery_level"`
	GridPower    float64 `json:"grid_power"`
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	Fault        string  `json:"fault,omitempty"`
}

// Generator turns an hour of day into a reading.
type Generator struct {
	maxSolarPower float64
	sunrise       float64
	sunset        float64
	peak          float64
	faults        bool
	faultRate     float64
	rnd           Rand
}

// NewGenerator uses rnd for every random draw; nil means math/rand.
func NewGenerator(cfg config.SimulatorConfig, rnd Rand) *Generator {
	if rnd == nil {
		rnd = globalRand{}
	}
	return &Generator{
		maxSolarPower: cfg.MaxSolarPower,
		sunrise:       cfg.SunriseHour,
		sunset:        cfg.SunsetHour,
		peak:          cfg.PeakHour,
		faults:        cfg.EnableFaults,
		faultRate:     cfg.FaultRate,
		rnd:           rnd,
	}
}

// HourOf returns the fractional local hour of t.
func HourOf(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

// Intensity is a Gaussian bell centred on the peak hour, zero at night.
// The result is in [0, 1].
func (g *Generator) Intensity(hour float64) float64 {
	if hour < g.sunrise || hour >= g.sunset {
		return 0
	}
	stdDev := (g.sunset - g.sunrise) / 4
	v := math.Exp(-math.Pow(hour-g.peak, 2) / (2 * stdDev * stdDev))
	return math.Max(0, math.Min(1, v))
}

// Generate computes a reading for d at hour without faults.
func (g *Generator) Generate(d Device, hour float64) Reading {
	intensity := g.Intensity(hour)

	solar := g.maxSolarPower * intensity * g.between(0.9, 1.1)
	load := solar * g.between(0.3, 0.7)
	grid := math.Max(0, solar-load)

	return Reading{
		APIKey:       d.APIKey,
		SolarPower:   round(solar, 2),
		LoadPower:    round(load, 2),
		BatteryLevel: round(g.battery(hour, intensity), 2),
		GridPower:    round(grid, 2),
		Temperature:  round(g.temperature(hour, intensity), 1),
		Humidity:     round(g.humidity(intensity), 1),
	}
}

// ApplyFault rolls for a fault and distorts r when one hits.
func (g *Generator) ApplyFault(r Reading) Reading {
	if !g.faults || g.rnd.Float64() >= g.faultRate {
		return r
	}
	return g.fault(r, g.rnd.Float64())
}

func (g *Generator) fault(r Reading, kind float64) Reading {
	switch {
	case kind < 0.33:
		r.SolarPower = 0
		r.BatteryLevel = math.Max(10, r.BatteryLevel-5)
		r.Fault = FaultZeroVoltage
	case kind < 0.66:
		r.SolarPower = round(r.SolarPower*1.5, 2)
		r.GridPower = round(r.GridPower*1.8, 2)
		r.Fault = FaultSpike
	default:
		r.SolarPower = round(r.SolarPower*0.3, 2)
		r.LoadPower = round(r.LoadPower*0.5, 2)
		r.Fault = FaultLowCurrent
	}
	return r
}

// battery drains overnight and charges with the sun.
func (g *Generator) battery(hour, intensity float64) float64 {
	switch {
	case hour < g.sunrise:
		return math.Max(10, baseBattery-(g.sunrise-hour)*nightDischarge)
	case hour < g.peak:
		return math.Min(95, baseBattery+(hour-g.sunrise)*dayCharge*intensity)
	case hour < g.sunset:
		return math.Min(100, baseBattery+(g.peak-g.sunrise)*dayCharge*intensity)
	default:
		return math.Max(20, 100-(hour-g.sunset)*nightDischarge)
	}
}

// temperature trails the sun by tempLagHours.
func (g *Generator) temperature(hour, intensity float64) float64 {
	lagged := g.Intensity(math.Mod(hour-tempLagHours+24, 24))
	return baseTemp + lagged*intensity*15 + g.between(-1, 1)
}

func (g *Generator) humidity(intensity float64) float64 {
	v := baseHumidity - intensity*40 + g.between(-5, 5)
	return math.Max(20, math.Min(90, v))
}

func (g *Generator) between(lo, hi float64) float64 {
	return lo + g.rnd.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
