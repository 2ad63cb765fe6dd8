package coordinator

import (
	"regexp"
	"strings"

	"github.com/example/carpool/internal/models"
)

const (
	MaxSeats = 6
	MinFare  = 1000
)

var platePattern = regexp.MustCompile(`^[A-Z]{2}-\d{2}-[A-Z]{2}$|^[A-Z]{2}-[A-Z]{2}-\d{2}$`)

func ValidPlate(p string) bool { return platePattern.MatchString(p) }

// Validate checks a draft without touching any state and returns a
// *ValidationError naming every violated rule.
func Validate(d models.TripDraft) error {
	var fields []FieldError
	add := func(f string, err error) { fields = append(fields, FieldError{Field: f, Err: err}) }

	if d.Seats == nil {
		add("seats", ErrMissingFields)
	} else if *d.Seats < 1 || *d.Seats > MaxSeats {
		add("seats", ErrSeatLimit)
	}
	if d.Fare == nil {
		add("fare", ErrMissingFields)
	} else if *d.Fare < MinFare {
		add("fare", ErrFareFloor)
	}
	if !ValidPlate(d.Plate) {
		add("plate", ErrPlateFormat)
	}
	if strings.TrimSpace(d.DepartureTime) == "" {
		add("departure_time", ErrMissingTime)
	}
	if d.Destination == nil || strings.TrimSpace(d.DestinationName) == "" {
		add("destination", ErrMissingFields)
	}
	if strings.TrimSpace(d.Description) == "" {
		add("description", ErrMissingFields)
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
