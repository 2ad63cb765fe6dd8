package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresArchive{db: db}, nil
}

// Migrate applies a schema script.
func (p *PostgresArchive) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresArchive) Append(ctx context.Context, ev models.Event) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_events(type, trip_id, driver_id, passenger_id, origin_lat, origin_lon, available_seats, status, at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (trip_id, type, passenger_id, at) DO NOTHING`,
		string(ev.Type), ev.TripID, ev.DriverID, ev.PassengerID, ev.Origin.Lat, ev.Origin.Lon, ev.AvailableSeats, string(ev.Status), ev.At)
	return err
}

func (p *PostgresArchive) ListByTrip(ctx context.Context, tripID string) ([]models.Event, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT type, trip_id, driver_id, passenger_id, origin_lat, origin_lon, available_seats, status, at
		FROM trip_events WHERE trip_id = $1 ORDER BY at ASC, id ASC`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var typ, status string
		if err := rows.Scan(&typ, &ev.TripID, &ev.DriverID, &ev.PassengerID, &ev.Origin.Lat, &ev.Origin.Lon, &ev.AvailableSeats, &status, &ev.At); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(typ)
		ev.Status = models.TripStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresArchive) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresArchive) Close() error { return p.db.Close() }
