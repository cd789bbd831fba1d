package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/example/ride-dispatch/internal/models"
)

// MongoStore keeps rides and notifications in MongoDB and reads the driver and passenger
// profiles written by the profile service.
type MongoStore struct {
	client        *mongo.Client
	rides         *mongo.Collection
	notifications *mongo.Collection
	drivers       *mongo.Collection
	passengers    *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(database)
	return &MongoStore{
		client:        client,
		rides:         db.Collection("rides"),
		notifications: db.Collection("notifications"),
		drivers:       db.Collection("drivers"),
		passengers:    db.Collection("passengers"),
	}, nil
}

// EnsureIndexes creates the indexes used by the active-ride and notification queries.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "passenger_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("ride indexes: %w", err)
	}
	_, err = m.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("notification indexes: %w", err)
	}
	return nil
}

func (m *MongoStore) CreateRide(ctx context.Context, r *models.Ride) error {
	doc := r.Clone()
	if doc.RejectedBy == nil {
		doc.RejectedBy = []models.ActorID{}
	}
	if _, err := m.rides.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (m *MongoStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	if err := m.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ride: %w", err)
	}
	return &r, nil
}

// updateRide applies update only when filter still matches, telling a missing ride apart
// from one whose state moved on.
func (m *MongoStore) updateRide(ctx context.Context, id string, filter, update bson.M) (*models.Ride, error) {
	filter["_id"] = id
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var r models.Ride
	err := m.rides.FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update ride: %w", err)
	}
	n, err := m.rides.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, fmt.Errorf("count ride: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return nil, ErrConflict
}

func (m *MongoStore) TransitionRide(ctx context.Context, id string, t Transition) (*models.Ride, error) {
	set := bson.M{"status": t.To, "updated_at": time.Now().UTC()}
	if t.DriverID != "" {
		set["driver_id"] = t.DriverID
	}
	if t.Fare != nil {
		set["fare"] = *t.Fare
	}
	if t.PaymentStatus != "" {
		set["payment_status"] = t.PaymentStatus
	}
	return m.updateRide(ctx, id, bson.M{"status": bson.M{"$in": t.From}}, bson.M{"$set": set})
}

func (m *MongoStore) AddRejection(ctx context.Context, id string, driverID models.ActorID) (*models.Ride, error) {
	r, err := m.updateRide(ctx, id,
		bson.M{"status": models.RideRequested, "rejected_by": bson.M{"$ne": driverID}},
		bson.M{
			"$push": bson.M{"rejected_by": driverID},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		})
	if !errors.Is(err, ErrConflict) {
		return r, err
	}
	cur, err := m.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	return rejectionMiss(cur, driverID)
}

func (m *MongoStore) CompletePayment(ctx context.Context, id, method string) (*models.Ride, error) {
	set := bson.M{"payment_status": models.PaymentCompleted, "updated_at": time.Now().UTC()}
	if method != "" {
		set["payment_method"] = method
	}
	return m.updateRide(ctx, id,
		bson.M{
			"payment_status": bson.M{"$ne": models.PaymentCompleted},
			"status":         models.RideCompleted,
		},
		bson.M{"$set": set})
}

func (m *MongoStore) FindActiveRide(ctx context.Context, actor models.ActorID, role models.Role) (*models.Ride, error) {
	filter := bson.M{"status": bson.M{"$in": models.ActiveRideStatuses}}
	switch role {
	case models.RolePassenger:
		filter["passenger_id"] = actor
	case models.RoleDriver:
		filter["driver_id"] = actor
	default:
		return nil, ErrNotFound
	}
	var r models.Ride
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if err := m.rides.FindOne(ctx, filter, opts).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active ride: %w", err)
	}
	return &r, nil
}

func (m *MongoStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if _, err := m.notifications.InsertOne(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (m *MongoStore) ListNotifications(ctx context.Context, userID models.ActorID, limit int) ([]models.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.notifications.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]models.Notification, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return out, nil
}

func (m *MongoStore) MarkNotificationRead(ctx context.Context, userID models.ActorID, id string) (*models.Notification, error) {
	filter := bson.M{"_id": id}
	if userID != "" {
		filter["user_id"] = userID
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var n models.Notification
	err := m.notifications.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"read": true}}, opts).Decode(&n)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return &n, nil
}

func (m *MongoStore) MarkAllNotificationsRead(ctx context.Context, userID models.ActorID) (int64, error) {
	res, err := m.notifications.UpdateMany(ctx,
		bson.M{"user_id": userID, "read": false},
		bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return res.ModifiedCount, nil
}

func (m *MongoStore) CountUnread(ctx context.Context, userID models.ActorID) (int64, error) {
	return m.notifications.CountDocuments(ctx, bson.M{"user_id": userID, "read": false})
}

// profileFilter matches both string ids and ObjectIDs, since profile documents created by
// the profile service use ObjectIDs.
func profileFilter(id models.ActorID) bson.M {
	if oid, err := primitive.ObjectIDFromHex(string(id)); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{string(id), oid}}}
	}
	return bson.M{"_id": string(id)}
}

func (m *MongoStore) GetDriver(ctx context.Context, id models.ActorID) (*models.DriverProfile, error) {
	var d models.DriverProfile
	if err := m.drivers.FindOne(ctx, profileFilter(id)).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get driver: %w", err)
	}
	return &d, nil
}

func (m *MongoStore) GetPassenger(ctx context.Context, id models.ActorID) (*models.PassengerProfile, error) {
	var p models.PassengerProfile
	if err := m.passengers.FindOne(ctx, profileFilter(id)).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get passenger: %w", err)
	}
	return &p, nil
}

func (m *MongoStore) Ping(ctx context.Context) error { return m.client.Ping(ctx, readpref.Primary()) }

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
