// Package mongostore is a MongoDB-backed patches.Store for production
// deployments (§11), grounded on nodestorage.Storage[T]'s optimistic
// concurrency retry loop and eventsync's Mongo-backed event/snapshot
// stores. Document state and the pending queue are kept as their raw
// JSON encoding in string fields rather than mapped through BSON struct
// tags: the domain's document state is an arbitrary
// map[string]interface{}/[]interface{} tree, not a single typed Go
// struct the way nodestorage's Cachable[T] documents are, so there is
// no fixed BSON shape to declare.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"patches"
)

// maxApplyRetries bounds the optimistic-concurrency retry loop in
// ApplyServerChanges, mirroring nodestorage's FindOneAndUpdate retry
// cap for lost update races.
const maxApplyRetries = 8

var errApplyConflict = errors.New("mongostore: too many concurrent writers, giving up")

type mongoDoc struct {
	ID           string `bson:"_id"`
	StateJSON    string `bson:"stateJson"`
	PendingJSON  string `bson:"pendingJson"`
	CommittedRev int64  `bson:"committedRev"`
	Algorithm    string `bson:"algorithm"`
	Deleted      bool   `bson:"deleted"`
}

// Store is a MongoDB-backed patches.Store implementation. It does not
// own the *mongo.Client's lifecycle; callers connect/disconnect it
// themselves, the way eventsync's Mongo stores take an already-dialed
// client rather than constructing their own.
type Store struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the store's logger (default: zap.NewNop()).
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New constructs a Store over collectionName in db, creating the index
// the deleted-tombstone filter in ListDocs relies on.
func New(ctx context.Context, db *mongo.Database, collectionName string, opts ...Option) (*Store, error) {
	s := &Store{
		collection: db.Collection(collectionName),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "deleted", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("mongostore: creating deleted index: %w", err)
	}
	return s, nil
}

func (s *Store) TrackDocs(ctx context.Context, ids []string, algorithm string) error {
	for _, id := range ids {
		_, err := s.collection.UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{
				"$set": bson.M{"deleted": false},
				"$setOnInsert": bson.M{
					"stateJson":    "{}",
					"pendingJson":  "[]",
					"committedRev": int64(0),
					"algorithm":    algorithm,
				},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return &patches.StoreError{Op: "TrackDocs", DocID: id, Cause: err}
		}
	}
	return nil
}

func (s *Store) UntrackDocs(ctx context.Context, ids []string) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return &patches.StoreError{Op: "UntrackDocs", Cause: err}
	}
	return nil
}

func (s *Store) ListDocs(ctx context.Context, includeDeleted bool) ([]patches.TrackedDoc, error) {
	filter := bson.M{}
	if !includeDeleted {
		filter["deleted"] = false
	}
	cur, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, &patches.StoreError{Op: "ListDocs", Cause: err}
	}
	defer cur.Close(ctx)

	var out []patches.TrackedDoc
	for cur.Next(ctx) {
		var d mongoDoc
		if err := cur.Decode(&d); err != nil {
			return nil, &patches.StoreError{Op: "ListDocs", Cause: err}
		}
		out = append(out, patches.TrackedDoc{
			DocID:        d.ID,
			CommittedRev: d.CommittedRev,
			Deleted:      d.Deleted,
			Algorithm:    d.Algorithm,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, &patches.StoreError{Op: "ListDocs", Cause: err}
	}
	return out, nil
}

func (s *Store) GetDoc(ctx context.Context, id string) (patches.Snapshot, bool, error) {
	var d mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return patches.Snapshot{}, false, nil
	}
	if err != nil {
		return patches.Snapshot{}, false, &patches.StoreError{Op: "GetDoc", DocID: id, Cause: err}
	}
	var pending []patches.Change
	if err := json.Unmarshal([]byte(d.PendingJSON), &pending); err != nil {
		return patches.Snapshot{}, false, &patches.StoreError{Op: "GetDoc", DocID: id, Cause: err}
	}
	return patches.Snapshot{
		State:   json.RawMessage(d.StateJSON),
		Rev:     d.CommittedRev,
		Changes: pending,
	}, true, nil
}

func (s *Store) GetCommittedRev(ctx context.Context, id string) (int64, error) {
	var d mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"committedRev": 1})).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, &patches.StoreError{Op: "GetCommittedRev", DocID: id, Cause: err}
	}
	return d.CommittedRev, nil
}

func (s *Store) GetPendingChanges(ctx context.Context, id string) ([]patches.Change, error) {
	var d mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"pendingJson": 1})).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &patches.StoreError{Op: "GetPendingChanges", DocID: id, Cause: err}
	}
	var pending []patches.Change
	if err := json.Unmarshal([]byte(d.PendingJSON), &pending); err != nil {
		return nil, &patches.StoreError{Op: "GetPendingChanges", DocID: id, Cause: err}
	}
	return pending, nil
}

func (s *Store) SaveDoc(ctx context.Context, id string, state json.RawMessage, rev int64) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"stateJson": string(state), "committedRev": rev}},
	)
	if err != nil {
		return &patches.StoreError{Op: "SaveDoc", DocID: id, Cause: err}
	}
	return nil
}

func (s *Store) SavePendingChanges(ctx context.Context, id string, changes []patches.Change) error {
	encoded, err := json.Marshal(changes)
	if err != nil {
		return &patches.StoreError{Op: "SavePendingChanges", DocID: id, Cause: err}
	}
	_, err = s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"pendingJson": string(encoded)}},
	)
	if err != nil {
		return &patches.StoreError{Op: "SavePendingChanges", DocID: id, Cause: err}
	}
	return nil
}

// ApplyServerChanges retries a read-modify-write against committedRev
// as the optimistic-concurrency token, the same lost-update-retry shape
// nodestorage.Storage[T].FindOneAndUpdate uses against its document's
// version field.
func (s *Store) ApplyServerChanges(ctx context.Context, id string, serverChanges []patches.Change, rebasedPending []patches.Change) error {
	if len(serverChanges) == 0 {
		return nil
	}
	pendingJSON, err := json.Marshal(rebasedPending)
	if err != nil {
		return &patches.StoreError{Op: "ApplyServerChanges", DocID: id, Cause: err}
	}
	lastRev := serverChanges[len(serverChanges)-1].Rev

	for attempt := 0; attempt < maxApplyRetries; attempt++ {
		var current mongoDoc
		if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&current); err != nil {
			return &patches.StoreError{Op: "ApplyServerChanges", DocID: id, Cause: err}
		}

		newState, err := patches.ApplyChanges(json.RawMessage(current.StateJSON), serverChanges)
		if err != nil {
			return &patches.StoreError{Op: "ApplyServerChanges", DocID: id, Cause: err}
		}

		res, err := s.collection.UpdateOne(ctx,
			bson.M{"_id": id, "committedRev": current.CommittedRev},
			bson.M{"$set": bson.M{
				"stateJson":    string(newState),
				"committedRev": lastRev,
				"pendingJson":  string(pendingJSON),
			}},
		)
		if err != nil {
			return &patches.StoreError{Op: "ApplyServerChanges", DocID: id, Cause: err}
		}
		if res.MatchedCount == 1 {
			return nil
		}
		s.logger.Warn("ApplyServerChanges: lost optimistic-concurrency race, retrying",
			zap.String("docId", id), zap.Int("attempt", attempt))
	}
	return &patches.StoreError{Op: "ApplyServerChanges", DocID: id, Cause: errApplyConflict}
}

func (s *Store) DeleteDoc(ctx context.Context, id string) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"deleted": true}})
	if err != nil {
		return &patches.StoreError{Op: "DeleteDoc", DocID: id, Cause: err}
	}
	return nil
}

func (s *Store) ConfirmDeleteDoc(ctx context.Context, id string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return &patches.StoreError{Op: "ConfirmDeleteDoc", DocID: id, Cause: err}
	}
	return nil
}

// Close is a no-op: the Store does not own the *mongo.Client's connection.
func (s *Store) Close() error { return nil }
