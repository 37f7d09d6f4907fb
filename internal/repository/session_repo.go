package repository

import (
	"buttonsync/internal/model"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrDuplicateCode is returned by Create when the code is already taken
	ErrDuplicateCode = errors.New("session code already exists")
	// ErrConflict is returned by Mutate when concurrent writers kept winning
	ErrConflict = errors.New("session was modified concurrently")
)

// maxMutateAttempts bounds optimistic-concurrency retries
const maxMutateAttempts = 16

// MutateFunc edits a session in place. Returning an error aborts the write.
// It may be invoked more than once when a store retries after a conflict.
type MutateFunc func(s *model.Session) error

// SessionRepo persists rendezvous sessions keyed by code
type SessionRepo interface {
	Create(ctx context.Context, session *model.Session) error
	GetByCode(ctx context.Context, code string) (*model.Session, error)
	// Mutate runs fn against the current record and persists the result. Calls
	// for the same code are serialized. Returns model.ErrSessionNotFound when
	// no record exists.
	Mutate(ctx context.Context, code string, fn MutateFunc) (*model.Session, error)
}

// Reaper removes sessions that expired before a cutoff
type Reaper interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Store is a session backend with eviction support
type Store interface {
	SessionRepo
	Reaper
}

type sessionRepo struct {
	collection *mongo.Collection
}

// NewSessionRepo creates a MongoDB-backed session store
func NewSessionRepo(db *mongo.Database) Store {
	return &sessionRepo{
		collection: db.Collection("buttonSyncSessions"),
	}
}

// codeIndexOptionsConflict is returned by createIndexes when an index with the
// same name exists with different options
const codeIndexOptionsConflict = 85

// EnsureIndexes creates the unique code index and a TTL index that lets MongoDB
// drop sessions once they are older than retention past their expiry. A TTL
// index left by an earlier retention setting is updated in place.
func EnsureIndexes(ctx context.Context, db *mongo.Database, retention time.Duration) error {
	expireAfter := int32(retention.Seconds())
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sessionId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("by_sessionId"),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(expireAfter).SetName("expiresAt_ttl"),
		},
	}
	coll := db.Collection("buttonSyncSessions")
	_, err := coll.Indexes().CreateMany(ctx, indexes)

	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeIndexOptionsConflict) {
		cmd := bson.D{
			{Key: "collMod", Value: coll.Name()},
			{Key: "index", Value: bson.D{
				{Key: "name", Value: "expiresAt_ttl"},
				{Key: "expireAfterSeconds", Value: expireAfter},
			}},
		}
		if err := db.RunCommand(ctx, cmd).Err(); err != nil {
			return fmt.Errorf("update session ttl index: %w", err)
		}
		_, err = coll.Indexes().CreateMany(ctx, indexes)
	}
	if err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	return nil
}

func (r *sessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.collection.InsertOne(ctx, session)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateCode
	}
	return err
}

func (r *sessionRepo) GetByCode(ctx context.Context, code string) (*model.Session, error) {
	var session model.Session
	err := r.collection.FindOne(ctx, bson.M{"sessionId": code}).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}

	return &session, nil
}

func (r *sessionRepo) Mutate(ctx context.Context, code string, fn MutateFunc) (*model.Session, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		session, err := r.GetByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if session == nil {
			return nil, model.ErrSessionNotFound
		}

		prev := session.Version
		if err := fn(session); err != nil {
			return nil, err
		}
		session.Version = prev + 1

		// Replace only if nobody else wrote since our read.
		res, err := r.collection.ReplaceOne(ctx, bson.M{"sessionId": code, "version": prev}, session)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 1 {
			return session, nil
		}
	}
	return nil, ErrConflict
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
