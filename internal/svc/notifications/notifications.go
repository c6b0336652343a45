package notifications

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/elevatehq/realtime/data/model"
	"github.com/elevatehq/realtime/internal/svc/mongo"
)

// Instance is the persistence collaborator: notification records plus the
// one slice of the user profile the realtime service may write, the push
// token.
type Instance interface {
	Create(ctx context.Context, n model.Notification) (model.Notification, error)
	MarkRead(ctx context.Context, id string, ownerID string) error
	MarkAllRead(ctx context.Context, ownerID string) (int64, error)
	Delete(ctx context.Context, id string, ownerID string) error
	FindHistory(ctx context.Context, ownerID string, page int, limit int) ([]model.Notification, error)
	CountUnread(ctx context.Context, ownerID string) (int64, error)

	PushToken(ctx context.Context, ownerID string) (string, error)
	ClearPushToken(ctx context.Context, ownerID string) error
}

func New(m mongo.Instance) Instance {
	return &inst{mongo: m}
}

type inst struct {
	mongo mongo.Instance
}

func (i *inst) col() *mongodrv.Collection {
	return i.mongo.Collection(mongo.CollectionNameNotifications)
}

func (i *inst) Create(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.ID.IsZero() {
		n.ID = primitive.NewObjectID()
	}

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := i.col().InsertOne(ctx, n)

	return n, err
}

func (i *inst) MarkRead(ctx context.Context, id string, ownerID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	now := time.Now()

	_, err = i.col().UpdateOne(ctx,
		bson.M{"_id": oid, "owner_id": ownerID},
		bson.M{"$set": bson.M{"read": true, "read_at": now}},
	)

	return err
}

func (i *inst) MarkAllRead(ctx context.Context, ownerID string) (int64, error) {
	now := time.Now()

	res, err := i.col().UpdateMany(ctx,
		bson.M{"owner_id": ownerID, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": now}},
	)
	if err != nil {
		return 0, err
	}

	return res.ModifiedCount, nil
}

func (i *inst) Delete(ctx context.Context, id string, ownerID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	_, err = i.col().DeleteOne(ctx, bson.M{"_id": oid, "owner_id": ownerID})

	return err
}

func (i *inst) FindHistory(ctx context.Context, ownerID string, page int, limit int) ([]model.Notification, error) {
	if page < 1 {
		page = 1
	}

	if limit < 1 || limit > 100 {
		limit = 20
	}

	cur, err := i.col().Find(ctx,
		bson.M{"owner_id": ownerID},
		options.Find().
			SetSort(bson.M{"created_at": -1}).
			SetSkip(int64((page-1)*limit)).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}

	items := []model.Notification{}
	if err = cur.All(ctx, &items); err != nil {
		return nil, err
	}

	return items, nil
}

func (i *inst) CountUnread(ctx context.Context, ownerID string) (int64, error) {
	return i.col().CountDocuments(ctx, bson.M{"owner_id": ownerID, "read": false})
}

func (i *inst) PushToken(ctx context.Context, ownerID string) (string, error) {
	res := i.mongo.Collection(mongo.CollectionNameUsers).FindOne(ctx, bson.M{"_id": ownerID})

	var profile model.UserProfile
	if err := res.Decode(&profile); err != nil {
		if err == mongodrv.ErrNoDocuments {
			return "", nil
		}

		return "", err
	}

	return profile.PushToken, nil
}

func (i *inst) ClearPushToken(ctx context.Context, ownerID string) error {
	_, err := i.mongo.Collection(mongo.CollectionNameUsers).UpdateOne(ctx,
		bson.M{"_id": ownerID},
		bson.M{"$unset": bson.M{"push_token": ""}},
	)

	return err
}
