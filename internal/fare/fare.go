// Package fare prices a ride from its distance and vehicle class.
package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

type rate struct {
	base  float64
	perKm float64
}

var rates = map[models.VehicleClass]rate{
	models.VehicleBike:     {base: 50, perKm: 15},
	models.VehicleCar:      {base: 100, perKm: 30},
	models.VehicleElectric: {base: 80, perKm: 25},
}

// Calculate returns round(base + distance*perKm). Unknown classes are priced as Bike.
// distance must satisfy ValidDistance.
func Calculate(distance float64, class models.VehicleClass) int64 {
	r, ok := rates[models.NormalizeVehicleClass(string(class))]
	if !ok {
		r = rates[models.VehicleBike]
	}
	return int64(math.Round(r.base + distance*r.perKm))
}

// ValidDistance reports whether d is a finite, non-negative distance.
func ValidDistance(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0
}
