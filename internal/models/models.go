package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type TripStatus string

const (
	StatusActive     TripStatus = "active"
	StatusInProgress TripStatus = "in_progress"
	StatusCancelled  TripStatus = "cancelled"
)

// Trip is a driver-published ride offer. Passengers and PassengerIndex live
// under the trip node so a single guarded update covers seat accounting.
type Trip struct {
	ID              string                `json:"id"`
	DriverID        string                `json:"driver_id"`
	DriverEmail     string                `json:"driver_email,omitempty"`
	Origin          Coord                 `json:"origin"`
	Destination     Coord                 `json:"destination"`
	DestinationName string                `json:"destination_name"`
	Route           []Coord               `json:"route"`
	Seats           int                   `json:"seats"`
	AvailableSeats  int                   `json:"available_seats"`
	Status          TripStatus            `json:"status"`
	DepartureTime   string                `json:"departure_time"`
	Fare            int                   `json:"fare"`
	Plate           string                `json:"plate"`
	Description     string                `json:"description"`
	Passengers      map[string]JoinRecord `json:"passengers,omitempty"`
	PassengerIndex  map[string]string     `json:"passenger_index,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Public returns a copy without the join records, which carry other
// passengers' emails and pickup points.
func (t *Trip) Public() Trip {
	c := *t
	c.Passengers = nil
	c.PassengerIndex = nil
	return c
}

// Open reports whether the trip is listed for passengers.
func (t *Trip) Open() bool {
	return t.AvailableSeats > 0 && t.Status != StatusCancelled && t.Status != StatusInProgress
}

// RecountSeats restores available = seats - joined passengers.
func (t *Trip) RecountSeats() {
	t.AvailableSeats = t.Seats - len(t.Passengers)
	if t.AvailableSeats < 0 {
		t.AvailableSeats = 0
	}
}

type JoinRecord struct {
	PassengerID string    `json:"passenger_id"`
	Email       string    `json:"email,omitempty"`
	Location    Coord     `json:"location"`
	JoinedAt    time.Time `json:"joined_at"`
}

// ActiveTripPointer references the single trip a passenger has joined.
// Trip data is resolved at read time, never copied in.
type ActiveTripPointer struct {
	TripID   string    `json:"trip_id"`
	JoinID   string    `json:"join_id"`
	DriverID string    `json:"driver_id"`
	Location Coord     `json:"location"`
	JoinedAt time.Time `json:"joined_at"`
}

// ActiveTrip is the pointer joined with the trip it references.
type ActiveTrip struct {
	Pointer ActiveTripPointer `json:"pointer"`
	Trip    *Trip             `json:"trip,omitempty"`
}

type NotificationType string

const (
	NotifyAccepted             NotificationType = "accepted"
	NotifyCancelledByPassenger NotificationType = "cancelled_by_passenger"
	NotifyCancelledByDriver    NotificationType = "cancelled_by_driver"
	NotifyTripStarted          NotificationType = "trip_started"
)

type Notification struct {
	ID          string           `json:"id,omitempty"`
	Type        NotificationType `json:"type"`
	Timestamp   int64            `json:"timestamp"` // unix millis
	TripID      string           `json:"trip_id"`
	Counterpart string           `json:"counterpart"`
}

// Profile carries the gamification counters of a user.
type Profile struct {
	Experience         int `json:"experience"`
	Level              int `json:"level"`
	NextLevelThreshold int `json:"next_level_threshold"`
}

func DefaultProfile() Profile {
	return Profile{Experience: 0, Level: 1, NextLevelThreshold: 10}
}

type HistoryRole string

const (
	RoleDriver    HistoryRole = "driver"
	RolePassenger HistoryRole = "passenger"
)

type HistoryEntry struct {
	TripID          string      `json:"trip_id"`
	Role            HistoryRole `json:"role"`
	DestinationName string      `json:"destination_name"`
	DepartureTime   string      `json:"departure_time"`
	Fare            int         `json:"fare"`
	Status          TripStatus  `json:"status"`
	RecordedAt      time.Time   `json:"recorded_at"`
}

// TripDraft is the driver's trip form as entered. Pointer fields distinguish
// "not entered" from zero.
type TripDraft struct {
	Origin          Coord  `json:"origin"`
	Destination     *Coord `json:"destination,omitempty"`
	DestinationName string `json:"destination_name"`
	Description     string `json:"description"`
	Seats           *int   `json:"seats,omitempty"`
	Fare            *int   `json:"fare,omitempty"`
	Plate           string `json:"plate"`
	DepartureTime   string `json:"departure_time"`
}

type EventType string

const (
	EventTripCreated   EventType = "trip.created"
	EventTripJoined    EventType = "trip.joined"
	EventTripLeft      EventType = "trip.left"
	EventTripCancelled EventType = "trip.cancelled"
	EventTripStarted   EventType = "trip.started"
)

// Event is a trip lifecycle transition published to the event stream.
type Event struct {
	Type           EventType  `json:"type"`
	TripID         string     `json:"trip_id"`
	DriverID       string     `json:"driver_id"`
	PassengerID    string     `json:"passenger_id,omitempty"`
	Origin         Coord      `json:"origin"`
	AvailableSeats int        `json:"available_seats"`
	Status         TripStatus `json:"status"`
	At             time.Time  `json:"at"`
}
