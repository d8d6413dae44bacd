package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps polls and vote records in two collections of one database.
type MongoStore struct {
	db      *mongo.Database
	timeout time.Duration
}

func NewMongoStore(client *mongo.Client, database string, timeout time.Duration) *MongoStore {
	return &MongoStore{db: client.Database(database), timeout: timeout}
}

func (s *MongoStore) polls() *mongo.Collection { return s.db.Collection(pollsCollection) }
func (s *MongoStore) votes() *mongo.Collection { return s.db.Collection(votesCollection) }

// EnsureIndexes creates the unique (pollId, userId) index on the votes collection.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.votes().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pollId", Value: 1}, {Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("poll_user_unique"),
	})
	return err
}

func (s *MongoStore) CreatePoll(ctx context.Context, poll *Poll) (*Poll, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p := poll.clone()
	p.Id = ""
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	result, err := s.polls().InsertOne(ctx, p)
	if err != nil {
		return nil, err
	}
	p.Id = result.InsertedID.(primitive.ObjectID).Hex()

	return p, nil
}

func (s *MongoStore) GetPoll(ctx context.Context, id string) (*Poll, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	objId, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrPollNotFound
	}

	var poll Poll
	if err := s.polls().FindOne(ctx, bson.M{"_id": objId}).Decode(&poll); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPollNotFound
		}
		return nil, err
	}

	return &poll, nil
}

// ApplyVote increments the chosen option and records the mutation's signals in a
// single document update. The filter refuses the update when the client id,
// address or presented token is already recorded, so two racing requests with
// the same signal cannot both be counted.
func (s *MongoStore) ApplyVote(ctx context.Context, pollId string, m Mutation) (*Poll, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	objId, err := primitive.ObjectIDFromHex(pollId)
	if err != nil {
		return nil, ErrPollNotFound
	}
	if m.OptionIndex < 0 {
		return nil, ErrOptionOutOfRange
	}

	optionPath := fmt.Sprintf("options.%d", m.OptionIndex)
	filter := bson.M{
		"_id":      objId,
		optionPath: bson.M{"$exists": true},
	}
	if m.PresentedToken != "" {
		filter["votedTokens"] = bson.M{"$ne": m.PresentedToken}
	}
	if m.ClientId != "" {
		filter["votedClients"] = bson.M{"$ne": m.ClientId}
	}
	if m.Address != "" {
		filter["votedAddresses"] = bson.M{"$ne": m.Address}
	}

	push := bson.M{
		"votedTokens": m.Token,
		"tokenVotes":  bson.M{"$each": m.Entries()},
	}
	if m.ClientId != "" {
		push["votedClients"] = m.ClientId
	}
	if m.Address != "" {
		push["votedAddresses"] = m.Address
	}
	update := bson.M{
		"$inc":  bson.M{optionPath + ".votes": 1},
		"$push": push,
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	}

	var poll Poll
	err = s.polls().FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&poll)
	if err == nil {
		return &poll, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	// Nothing matched: find out which part of the filter failed.
	current, err := s.GetPoll(ctx, pollId)
	if err != nil {
		return nil, err
	}
	if m.OptionIndex >= len(current.Options) {
		return nil, ErrOptionOutOfRange
	}
	return nil, ErrDedupConflict
}

func (s *MongoStore) FindVoteRecord(ctx context.Context, pollId, userId string) (*VoteRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var record VoteRecord
	err := s.votes().FindOne(ctx, bson.M{"pollId": pollId, "userId": userId}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *MongoStore) CreateVoteRecord(ctx context.Context, record *VoteRecord) (*VoteRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	r := *record
	r.Id = ""
	if r.VotedAt.IsZero() {
		r.VotedAt = time.Now().UTC()
	}

	result, err := s.votes().InsertOne(ctx, r)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateVote
		}
		return nil, err
	}
	r.Id = result.InsertedID.(primitive.ObjectID).Hex()

	return &r, nil
}

func (s *MongoStore) DeleteVoteRecord(ctx context.Context, pollId, userId string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.votes().DeleteOne(ctx, bson.M{"pollId": pollId, "userId": userId})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrVoteNotFound
	}
	return nil
}
