package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type CollectionName string

const (
	CollectionNameNotifications CollectionName = "notifications"
	CollectionNameUsers         CollectionName = "users"
	CollectionNameAuditLogs     CollectionName = "audit_logs"
)

type Instance interface {
	Ping(ctx context.Context) error
	Collection(name CollectionName) *mongo.Collection
	RawDatabase() *mongo.Database
}

type SetupOptions struct {
	URI    string
	DB     string
	Direct bool
}

func Setup(ctx context.Context, opt SetupOptions) (Instance, error) {
	clientOpts := options.Client().ApplyURI(opt.URI)
	if opt.Direct {
		clientOpts.SetDirect(true)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}

	return &mongoInst{db: client.Database(opt.DB)}, nil
}

type mongoInst struct {
	db *mongo.Database
}

func (i *mongoInst) Ping(ctx context.Context) error {
	return i.db.Client().Ping(ctx, readpref.Primary())
}

func (i *mongoInst) Collection(name CollectionName) *mongo.Collection {
	return i.db.Collection(string(name))
}

func (i *mongoInst) RawDatabase() *mongo.Database {
	return i.db
}
