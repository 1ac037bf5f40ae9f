package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ok-monitor/models"
)

const (
	mongoDatabase   = "ok_monitor"
	mongoCollection = "alerts"
)

type MongoClient struct {
	client *mongo.Client
	alerts *mongo.Collection
}

type mongoAlert struct {
	DeviceID string    `bson:"device_id"`
	RecordID string    `bson:"record_id"`
	State    string    `bson:"state"`
	Score    float64   `bson:"score"`
	Reason   string    `bson:"reason,omitempty"`
	SentAt   time.Time `bson:"sent_at"`
}

func NewMongoClient(ctx context.Context, uri string) (*MongoClient, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to MongoDB: %s", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("error pinging MongoDB: %s", err)
	}

	return &MongoClient{
		client: client,
		alerts: client.Database(mongoDatabase).Collection(mongoCollection),
	}, nil
}

func (c *MongoClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

func (c *MongoClient) StoreAlert(ctx context.Context, event models.AlertEvent) error {
	sentAt := event.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	_, err := c.alerts.InsertOne(ctx, mongoAlert{
		DeviceID: event.DeviceID,
		RecordID: event.RecordID,
		State:    event.State,
		Score:    event.Score,
		Reason:   event.Reason,
		SentAt:   sentAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("error storing alert: %s", err)
	}
	return nil
}

func (c *MongoClient) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit)))

	cursor, err := c.alerts.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying alerts: %s", err)
	}
	defer cursor.Close(ctx)

	var alerts []models.AlertEvent
	for cursor.Next(ctx) {
		var doc mongoAlert
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("error decoding alert: %s", err)
		}
		alerts = append(alerts, models.AlertEvent{
			DeviceID: doc.DeviceID,
			RecordID: doc.RecordID,
			State:    doc.State,
			Score:    doc.Score,
			Reason:   doc.Reason,
			SentAt:   doc.SentAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error reading alerts: %s", err)
	}

	return alerts, nil
}

func (c *MongoClient) LastAlertTimes(ctx context.Context) (map[string]time.Time, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$device_id"},
			{Key: "last_sent", Value: bson.D{{Key: "$max", Value: "$sent_at"}}},
		}}},
	}

	cursor, err := c.alerts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("error aggregating last alert times: %s", err)
	}
	defer cursor.Close(ctx)

	result := make(map[string]time.Time)
	for cursor.Next(ctx) {
		var doc struct {
			DeviceID string    `bson:"_id"`
			LastSent time.Time `bson:"last_sent"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("error decoding last alert time: %s", err)
		}
		result[doc.DeviceID] = doc.LastSent
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error reading last alert times: %s", err)
	}

	return result, nil
}
