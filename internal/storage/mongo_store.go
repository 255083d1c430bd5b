package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultDatabase is the database both deployments keep their collections in.
const DefaultDatabase = "test"

const stagingPrefix = "__staging_"

// MongoStore implements Store on one database of a MongoDB deployment.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects and pings the deployment before returning.
func OpenMongo(ctx context.Context, uri string, database string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

func (s *MongoStore) ListAll(ctx context.Context, collection string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		cursor, err := s.db.Collection(collection).Find(ctx, bson.D{})
		if err != nil {
			yield(nil, fmt.Errorf("find %s: %w", collection, err))
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				yield(nil, fmt.Errorf("decode %s: %w", collection, err))
				return
			}
			if !yield(Document(doc), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate %s: %w", collection, err))
		}
	}
}

func (s *MongoStore) FindByID(ctx context.Context, collection string, id any) (Document, error) {
	if err := validateID(collection, id); err != nil {
		return nil, err
	}
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.D{{Key: IDField, Value: id}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find %s/%s: %w", collection, IDKey(id), err)
	}
	return Document(doc), nil
}

func (s *MongoStore) UpsertByID(ctx context.Context, collection string, id any, doc Document) error {
	if err := validateID(collection, id); err != nil {
		return err
	}
	replacement := bson.M(doc.Clone())
	if replacement == nil {
		replacement = bson.M{}
	}
	replacement[IDField] = id
	_, err := s.db.Collection(collection).ReplaceOne(
		ctx,
		bson.D{{Key: IDField, Value: id}},
		replacement,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, IDKey(id), err)
	}
	return nil
}

// ReplaceCollection loads docs into a staging collection and renames it over
// the target, so a failed insert leaves the target untouched.
func (s *MongoStore) ReplaceCollection(ctx context.Context, collection string, docs []Document) error {
	if collection == "" {
		return errors.New("collection is required")
	}
	if len(docs) == 0 {
		if err := s.db.Collection(collection).Drop(ctx); err != nil {
			return fmt.Errorf("drop %s: %w", collection, err)
		}
		return nil
	}

	stagingName := stagingPrefix + collection
	staging := s.db.Collection(stagingName)
	if err := staging.Drop(ctx); err != nil {
		return fmt.Errorf("drop staging %s: %w", stagingName, err)
	}
	batch := make([]any, 0, len(docs))
	for _, doc := range docs {
		if err := validateID(collection, doc.ID()); err != nil {
			return err
		}
		batch = append(batch, bson.M(doc))
	}
	if _, err := staging.InsertMany(ctx, batch); err != nil {
		_ = staging.Drop(context.WithoutCancel(ctx))
		return fmt.Errorf("stage %s: %w", collection, err)
	}

	rename := bson.D{
		{Key: "renameCollection", Value: s.db.Name() + "." + stagingName},
		{Key: "to", Value: s.db.Name() + "." + collection},
		{Key: "dropTarget", Value: true},
	}
	if err := s.client.Database("admin").RunCommand(ctx, rename).Err(); err != nil {
		_ = staging.Drop(context.WithoutCancel(ctx))
		return fmt.Errorf("swap %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
