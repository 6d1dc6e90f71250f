package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
)

// Collection names in the document store.
const (
	CollectionSearches     = "searches"
	CollectionUserFlavours = "user_flavours"
	CollectionUserDataMeta = "user_data_meta"
)

// Store holds the document-store connection. It backs usage statistics,
// user flavour definitions and auxiliary user-data metadata; the search
// index stays the authoritative copy of the data itself.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger arbor.ILogger
}

// Connect opens the document store and ensures the indexes the gateway
// relies on.
func Connect(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURL()).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: document store connect: %v", models.ErrBackendUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: document store ping: %v", models.ErrBackendUnavailable, err)
	}

	store := &Store{
		client: client,
		db:     client.Database(cfg.Mongo.Name),
		logger: logger,
	}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Info().
		Str("host", cfg.Mongo.Host).
		Str("database", cfg.Mongo.Name).
		Msg("Connected to document store")
	return store, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	// (name, owner) uniqueness is the flavour identity; a duplicate insert
	// must fail at the store even when the in-memory check races.
	_, err := s.UserFlavours().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}, {Key: "owner", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("name_owner_unique"),
	})
	if err != nil {
		return fmt.Errorf("%w: ensure flavour index: %v", models.ErrBackendUnavailable, err)
	}

	_, err = s.UserDataMeta().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "file", Value: 1}, {Key: "user", Value: 1}},
		Options: options.Index().SetName("file_user"),
	})
	if err != nil {
		return fmt.Errorf("%w: ensure user-data index: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// Searches is the append-only statistics collection.
func (s *Store) Searches() *mongo.Collection {
	return s.db.Collection(CollectionSearches)
}

// UserFlavours holds user-defined flavour documents.
func (s *Store) UserFlavours() *mongo.Collection {
	return s.db.Collection(CollectionUserFlavours)
}

// UserDataMeta holds auxiliary metadata about user-uploaded files.
func (s *Store) UserDataMeta() *mongo.Collection {
	return s.db.Collection(CollectionUserDataMeta)
}

// InsertStats appends one statistics record.
func (s *Store) InsertStats(ctx context.Context, rec models.StatsRecord) error {
	if _, err := s.Searches().InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("%w: stats insert: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// ListFlavours returns every stored user flavour.
func (s *Store) ListFlavours(ctx context.Context) ([]models.Flavour, error) {
	cur, err := s.UserFlavours().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("%w: flavour list: %v", models.ErrBackendUnavailable, err)
	}
	defer cur.Close(ctx)

	var flavours []models.Flavour
	if err := cur.All(ctx, &flavours); err != nil {
		return nil, fmt.Errorf("%w: flavour decode: %v", models.ErrBackendUnavailable, err)
	}
	return flavours, nil
}

// InsertFlavour stores a new flavour; a duplicate (name, owner) pair maps
// onto ErrConflict.
func (s *Store) InsertFlavour(ctx context.Context, f models.Flavour) error {
	_, err := s.UserFlavours().InsertOne(ctx, f)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: flavour %q already exists", models.ErrConflict, f.Name)
	}
	if err != nil {
		return fmt.Errorf("%w: flavour insert: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// ReplaceFlavour swaps the stored document for (name, owner) with the new
// definition, which may carry a different name (rename).
func (s *Store) ReplaceFlavour(ctx context.Context, name, owner string, f models.Flavour) error {
	res, err := s.UserFlavours().ReplaceOne(ctx,
		bson.M{"name": name, "owner": owner}, f)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: flavour %q already exists", models.ErrConflict, f.Name)
	}
	if err != nil {
		return fmt.Errorf("%w: flavour replace: %v", models.ErrBackendUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: flavour %q", models.ErrNotFound, name)
	}
	return nil
}

// DeleteFlavour removes a stored flavour.
func (s *Store) DeleteFlavour(ctx context.Context, name, owner string) error {
	res, err := s.UserFlavours().DeleteOne(ctx, bson.M{"name": name, "owner": owner})
	if err != nil {
		return fmt.Errorf("%w: flavour delete: %v", models.ErrBackendUnavailable, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: flavour %q", models.ErrNotFound, name)
	}
	return nil
}

// UpsertUserDataMeta records metadata for one ingested file.
func (s *Store) UpsertUserDataMeta(ctx context.Context, user, file string, meta map[string]interface{}) error {
	_, err := s.UserDataMeta().UpdateOne(ctx,
		bson.M{"file": file, "user": user},
		bson.M{"$set": bson.M{"file": file, "user": user, "metadata": meta, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: user-data upsert: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// DeleteUserDataMeta purges metadata for a user's files.
func (s *Store) DeleteUserDataMeta(ctx context.Context, user string, files []string) error {
	filter := bson.M{"user": user}
	if len(files) > 0 {
		filter["file"] = bson.M{"$in": files}
	}
	if _, err := s.UserDataMeta().DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("%w: user-data delete: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// Close disconnects from the document store.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
