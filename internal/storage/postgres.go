package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema script, e.g. migrations/001_init.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

const rideColumns = `id, passenger_id, COALESCE(driver_id, ''), pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_location_name, dropoff_location_name, vehicle_class, distance, estimated_time, fare,
	payment_method, payment_status, status, rejected_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r        models.Ride
		rejected pq.StringArray
	)
	err := row.Scan(&r.ID, &r.PassengerID, &r.DriverID,
		&r.PickupLocation.Lat, &r.PickupLocation.Lon, &r.DropoffLocation.Lat, &r.DropoffLocation.Lon,
		&r.PickupLocationName, &r.DropoffLocationName, &r.VehicleClass, &r.Distance, &r.EstimatedTime, &r.Fare,
		&r.PaymentMethod, &r.PaymentStatus, &r.Status, &rejected, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, id := range rejected {
		r.RejectedBy = append(r.RejectedBy, models.ActorID(id))
	}
	return &r, nil
}

func nullableID(id models.ActorID) sql.NullString {
	return sql.NullString{String: string(id), Valid: id != ""}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	rejected := make(pq.StringArray, 0, len(r.RejectedBy))
	for _, id := range r.RejectedBy {
		rejected = append(rejected, string(id))
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, passenger_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		pickup_location_name, dropoff_location_name, vehicle_class, distance, estimated_time, fare,
		payment_method, payment_status, status, rejected_by, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, string(r.PassengerID), nullableID(r.DriverID),
		r.PickupLocation.Lat, r.PickupLocation.Lon, r.DropoffLocation.Lat, r.DropoffLocation.Lon,
		r.PickupLocationName, r.DropoffLocationName, string(r.VehicleClass), r.Distance, r.EstimatedTime, r.Fare,
		r.PaymentMethod, string(r.PaymentStatus), string(r.Status), rejected, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

// conditional reports ErrNotFound or ErrConflict after an UPDATE ... RETURNING matched no row.
func (p *PostgresStore) conditional(ctx context.Context, id string, err error) error {
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, t Transition) (*models.Ride, error) {
	from := make(pq.StringArray, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}
	var fare sql.NullInt64
	if t.Fare != nil {
		fare = sql.NullInt64{Int64: *t.Fare, Valid: true}
	}
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides SET
		status=$1,
		driver_id=COALESCE($2, driver_id),
		fare=COALESCE($3, fare),
		payment_status=COALESCE(NULLIF($4, ''), payment_status),
		updated_at=$5
		WHERE id=$6 AND status = ANY($7)
		RETURNING `+rideColumns,
		string(t.To), nullableID(t.DriverID), fare, string(t.PaymentStatus), time.Now().UTC(), id, from))
	if err != nil {
		return nil, p.conditional(ctx, id, err)
	}
	return r, nil
}

func (p *PostgresStore) AddRejection(ctx context.Context, id string, driverID models.ActorID) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides SET
		rejected_by = array_append(rejected_by, $1),
		updated_at=$2
		WHERE id=$3 AND status=$4 AND NOT ($1 = ANY(rejected_by))
		RETURNING `+rideColumns,
		string(driverID), time.Now().UTC(), id, string(models.RideRequested)))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cur, err := p.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	return rejectionMiss(cur, driverID)
}

func (p *PostgresStore) CompletePayment(ctx context.Context, id, method string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides SET
		payment_status=$1,
		payment_method=COALESCE(NULLIF($2, ''), payment_method),
		updated_at=$3
		WHERE id=$4 AND payment_status<>$1 AND status=$5
		RETURNING `+rideColumns,
		string(models.PaymentCompleted), method, time.Now().UTC(), id, string(models.RideCompleted)))
	if err != nil {
		return nil, p.conditional(ctx, id, err)
	}
	return r, nil
}

func (p *PostgresStore) FindActiveRide(ctx context.Context, actor models.ActorID, role models.Role) (*models.Ride, error) {
	column := "passenger_id"
	switch role {
	case models.RolePassenger:
	case models.RoleDriver:
		column = "driver_id"
	default:
		return nil, ErrNotFound
	}
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE `+column+`=$1 AND status IN ($2,$3,$4)
		ORDER BY created_at DESC LIMIT 1`,
		string(actor), string(models.RideRequested), string(models.RideAccepted), string(models.RidePickedUp)))
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications(id, user_id, title, message, type, related_id, read, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, string(n.UserID), n.Title, n.Message, string(n.Type),
		sql.NullString{String: n.RelatedID, Valid: n.RelatedID != ""}, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

const notificationColumns = `id, user_id, title, message, type, COALESCE(related_id, ''), read, created_at`

func scanNotification(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.RelatedID, &n.Read, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID models.ActorID, limit int) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, string(userID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, userID models.ActorID, id string) (*models.Notification, error) {
	return scanNotification(p.db.QueryRowContext(ctx, `UPDATE notifications SET read=true
		WHERE id=$1 AND ($2 = '' OR user_id=$2)
		RETURNING `+notificationColumns, id, string(userID)))
}

func (p *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID models.ActorID) (int64, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read=true WHERE user_id=$1 AND read=false`, string(userID))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) CountUnread(ctx context.Context, userID models.ActorID) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM notifications WHERE user_id=$1 AND read=false`, string(userID)).Scan(&n)
	return n, err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id models.ActorID) (*models.DriverProfile, error) {
	var d models.DriverProfile
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone, vehicle_class, vehicle_plate, vehicle_model FROM drivers WHERE id=$1`, string(id)).
		Scan(&d.ID, &d.Name, &d.Phone, &d.VehicleClass, &d.VehiclePlate, &d.VehicleModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) GetPassenger(ctx context.Context, id models.ActorID) (*models.PassengerProfile, error) {
	var ps models.PassengerProfile
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone FROM passengers WHERE id=$1`, string(id)).
		Scan(&ps.ID, &ps.Name, &ps.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
