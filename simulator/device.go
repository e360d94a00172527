package simulator

import "fmt"

// Location is where a virtual device pretends to be installed.
type Location struct {
	City string  `json:"city"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

var locations = []Location{
	{City: "Delhi", Lat: 28.6139, Lng: 77.2090},
	{City: "Mumbai", Lat: 19.0760, Lng: 72.8777},
	{City: "Bangalore", Lat: 12.9716, Lng: 77.5946},
	{City: "Chennai", Lat: 13.0827, Lng: 80.2707},
	{City: "Kolkata", Lat: 22.5726, Lng: 88.3639},
	{City: "Hyderabad", Lat: 17.3850, Lng: 78.4867},
	{City: "Pune", Lat: 18.5204, Lng: 73.8567},
	{City: "Ahmedabad", Lat: 23.0225, Lng: 72.5714},
}

// Device is one virtual meter.
type Device struct {
	ID       string
	APIKey   string
	PlantID  string
	Name     string
	Location Location
}

// NewDevice builds the device at zero-based index. Consecutive devices are
// grouped perPlant to a plant.
func NewDevice(index, perPlant int) Device {
	if perPlant <= 0 {
		perPlant = 1
	}
	id := fmt.Sprintf("SIM-%03d", index+1)
	return Device{
		ID:       id,
		APIKey:   fmt.Sprintf("sim_%s_demo_key", id),
		PlantID:  fmt.Sprintf("PLANT-%d", index/perPlant+1),
		Name:     fmt.Sprintf("Simulated Device %d", index+1),
		Location: locations[index%len(locations)],
	}
}

// NewDevices returns count devices starting at SIM-001.
func NewDevices(count, perPlant int) []Device {
	devices := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		devices = append(devices, NewDevice(i, perPlant))
	}
	return devices
}

// PlantIDs lists the distinct plants in order of first appearance.
func PlantIDs(devices []Device) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, d := range devices {
		if !seen[d.PlantID] {
			seen[d.PlantID] = true
			ids = append(ids, d.PlantID)
		}
	}
	return ids
}
