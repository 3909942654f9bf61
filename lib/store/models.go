package store

import "time"

// Snapshot contains the stream manager state saved to DB when monitoring stops, so operators can inspect the last
// shape of the service after the fact.
type Snapshot struct {
	TS              time.Time      `json:"ts" bson:"ts"`
	Clients         int            `json:"clients" bson:"clients"`
	Monitoring      bool           `json:"monitoring" bson:"monitoring"`
	EventsProcessed uint64         `json:"eventsProcessed" bson:"eventsProcessed"`
	AlertCounts     map[string]int `json:"alertCounts" bson:"alertCounts"`
}
