package ingest

import (
	"errors"
	"testing"
)

func TestDecodeLocation(t *testing.T) {
	u, err := DecodeLocation([]byte(`{"driverId":{"_id":"d1"},"location":{"lat":9.03,"lon":38.74}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.DriverID != "d1" || u.Location.Lat != 9.03 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestDecodeLocationRejectsBadInput(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{"location":{"lat":1,"lon":1}}`,
		`{"driverId":"d1","location":{"lat":91,"lon":1}}`,
		`{"driverId":"d1","location":{"lat":1,"lon":-181}}`,
	} {
		if _, err := DecodeLocation([]byte(in)); !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("%s: expected ErrInvalidLocation, got %v", in, err)
		}
	}
}
