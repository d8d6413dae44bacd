package database

import (
	"context"
	"errors"
	"time"

	"github.com/computersciencehouse/pollify/logging"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	ErrPollNotFound     = errors.New("poll not found")
	ErrOptionOutOfRange = errors.New("option index out of range")
	ErrDuplicateVote    = errors.New("vote already recorded for this account")
	ErrDedupConflict    = errors.New("vote signal already recorded for this poll")
	ErrVoteNotFound     = errors.New("vote record not found")
)

const (
	pollsCollection = "polls"
	votesCollection = "votes"

	retryBase = 200 * time.Millisecond
)

// Connect dials MongoDB and pings the primary, retrying with exponential backoff
// up to retries extra attempts.
func Connect(ctx context.Context, uri string, timeout time.Duration, retries uint64) (*mongo.Client, error) {
	logging.Logger.WithFields(logrus.Fields{"module": "database", "method": "Connect"}).Info("beginning database connection")

	client, err := mongo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, err
	}

	backoff := retry.WithMaxRetries(retries, retry.NewExponential(retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "Connect"}).Warn("error pinging database, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logging.Logger.WithFields(logrus.Fields{"module": "database", "method": "Connect"}).Info("connected to mongodb")

	return client, nil
}

func Disconnect(client *mongo.Client, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Disconnect(ctx); err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "Disconnect"}).Error("error disconnecting from database")
		return
	}

	logging.Logger.WithFields(logrus.Fields{"module": "database", "method": "Disconnect"}).Info("disconnected from database")
}
