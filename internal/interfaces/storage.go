package interfaces

import (
	"context"
	"time"

	"github.com/freva-org/freva-rest/internal/models"
)

// Cache is the byte-valued key store plus the worker broker channel.
// Implemented by storage/redis.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) error
}

// FlavourStore persists user-defined flavours. Implemented by storage/mongo.
type FlavourStore interface {
	ListFlavours(ctx context.Context) ([]models.Flavour, error)
	InsertFlavour(ctx context.Context, f models.Flavour) error
	ReplaceFlavour(ctx context.Context, name, owner string, f models.Flavour) error
	DeleteFlavour(ctx context.Context, name, owner string) error
}

// StatsStore appends usage statistics records.
type StatsStore interface {
	InsertStats(ctx context.Context, rec models.StatsRecord) error
}

// UserDataMetaStore keeps auxiliary metadata about user-uploaded files.
type UserDataMetaStore interface {
	UpsertUserDataMeta(ctx context.Context, user, file string, meta map[string]interface{}) error
	DeleteUserDataMeta(ctx context.Context, user string, files []string) error
}
