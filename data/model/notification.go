package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Notification is the persisted record behind every "notification:new" event.
type Notification struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	OwnerID   string             `json:"owner_id" bson:"owner_id"`
	Kind      string             `json:"kind" bson:"kind"`
	Title     string             `json:"title" bson:"title"`
	Body      string             `json:"body" bson:"body"`
	Data      map[string]string  `json:"data,omitempty" bson:"data,omitempty"`
	Read      bool               `json:"read" bson:"read"`
	ReadAt    *time.Time         `json:"read_at,omitempty" bson:"read_at,omitempty"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
}

// UserProfile carries the slice of the user document the realtime service is
// allowed to touch: the registered push token.
type UserProfile struct {
	ID        string `json:"id" bson:"_id"`
	PushToken string `json:"push_token,omitempty" bson:"push_token,omitempty"`
}
