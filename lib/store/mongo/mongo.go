// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/store"
)

const database = "chainwatch"

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// SaveAlert inserts an emitted alert into the alerts collection.
func (m *Mongo) SaveAlert(a event.Alert) error {
	col := m.c.Database(database).Collection("alerts")

	if _, err := col.InsertOne(context.Background(), a); err != nil {
		return fmt.Errorf("could not insert alert in db: %w", err)
	}

	return nil
}

// GetAlerts returns up to limit alerts emitted at or after since, newest first.
func (m *Mongo) GetAlerts(since time.Time, limit int) ([]event.Alert, error) {
	col := m.c.Database(database).Collection("alerts")

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := col.Find(context.Background(), bson.M{"timestamp": bson.M{"$gte": event.Millis(since)}}, opts)
	if err != nil {
		return nil, fmt.Errorf("error getting alerts from db: %w", err)
	}

	alerts := []event.Alert{}

	for cur.Next(context.Background()) {
		var a event.Alert
		if err = cur.Decode(&a); err == nil {
			alerts = append(alerts, a)
		}
	}

	return alerts, nil
}

// SaveSnapshot upserts the single stream-state snapshot document.
func (m *Mongo) SaveSnapshot(s store.Snapshot) (err error) {
	_, err = m.c.Database(database).Collection("snapshots").UpdateOne(context.Background(),
		bson.D{}, // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "ts", Value: s.TS},
					{Key: "clients", Value: s.Clients},
					{Key: "monitoring", Value: s.Monitoring},
					{Key: "eventsProcessed", Value: s.EventsProcessed},
					{Key: "alertCounts", Value: s.AlertCounts},
				},
			},
		},
		options.Update().SetUpsert(true))

	return
}

// LoadSnapshot loads the stream-state snapshot saved by the last shutdown.
func (m *Mongo) LoadSnapshot() (s store.Snapshot, err error) {
	sr := m.c.Database(database).Collection("snapshots").FindOne(context.TODO(), bson.D{})
	if err = sr.Decode(&s); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrDataNotFound
	}

	return
}
