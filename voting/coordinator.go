// Package voting orchestrates poll creation, vote submission and poll reads on
// top of the store, the identity resolver, the fairness rules and the realtime
// broadcaster.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/computersciencehouse/pollify/database"
	"github.com/computersciencehouse/pollify/fairness"
	"github.com/computersciencehouse/pollify/identity"
	"github.com/computersciencehouse/pollify/logging"
	"github.com/sirupsen/logrus"
)

type Store interface {
	CreatePoll(ctx context.Context, poll *database.Poll) (*database.Poll, error)
	GetPoll(ctx context.Context, id string) (*database.Poll, error)
	FindVoteRecord(ctx context.Context, pollId, userId string) (*database.VoteRecord, error)
	CreateVoteRecord(ctx context.Context, record *database.VoteRecord) (*database.VoteRecord, error)
	DeleteVoteRecord(ctx context.Context, pollId, userId string) error
	ApplyVote(ctx context.Context, pollId string, m database.Mutation) (*database.Poll, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req identity.Request) identity.Signals
}

type Broadcaster interface {
	Publish(pollId string, payload interface{}) error
}

type Recorder interface {
	VoteAccepted()
	VoteRejected(reason string)
	BroadcastFailed()
	PollCreated()
}

type nopRecorder struct{}

func (nopRecorder) VoteAccepted()       {}
func (nopRecorder) VoteRejected(string) {}
func (nopRecorder) BroadcastFailed()    {}
func (nopRecorder) PollCreated()        {}

// Snapshot is the client view of a poll, sent on reads and broadcast after
// every accepted vote. TotalVotes only grows, so clients should drop a
// snapshot whose total is lower than the last one they saw.
type Snapshot struct {
	Id         string            `json:"id"`
	Question   string            `json:"question"`
	Options    []database.Option `json:"options"`
	CreatedBy  string            `json:"createdBy,omitempty"`
	TotalVotes int               `json:"totalVotes"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func SnapshotOf(poll *database.Poll) Snapshot {
	return Snapshot{
		Id:         poll.Id,
		Question:   poll.Question,
		Options:    append([]database.Option(nil), poll.Options...),
		CreatedBy:  poll.CreatedBy,
		TotalVotes: poll.TotalVotes(),
		CreatedAt:  poll.CreatedAt,
		UpdatedAt:  poll.UpdatedAt,
	}
}

type VoteResult struct {
	Poll Snapshot
	// VoteToken is the freshly issued token the voter should present from now on.
	VoteToken string
}

type PollView struct {
	Poll            Snapshot
	UserVotedOption *int
	IsAuthenticated bool
}

type CreatePollInput struct {
	Question string
	Options  []string
	Request  identity.Request
}

type state string

const (
	stateReceived          state = "RECEIVED"
	stateValidating        state = "VALIDATING"
	stateResolvingIdentity state = "RESOLVING_IDENTITY"
	stateCheckingFairness  state = "CHECKING_FAIRNESS"
	stateRejected          state = "REJECTED"
	stateMutating          state = "MUTATING"
	stateBroadcasting      state = "BROADCASTING"
	stateCompleted         state = "COMPLETED"
)

type Coordinator struct {
	store       Store
	resolver    Resolver
	rules       fairness.Ruleset
	broadcaster Broadcaster
	recorder    Recorder

	mu sync.Mutex
	// published holds the highest total broadcast per poll.
	published map[string]int
}

// NewCoordinator wires the collaborators. recorder may be nil.
func NewCoordinator(store Store, resolver Resolver, rules fairness.Ruleset, broadcaster Broadcaster, recorder Recorder) *Coordinator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Coordinator{
		store:       store,
		resolver:    resolver,
		rules:       rules,
		broadcaster: broadcaster,
		recorder:    recorder,
		published:   make(map[string]int),
	}
}

func (co *Coordinator) Rules() fairness.Ruleset {
	return co.rules
}

func (co *Coordinator) CreatePoll(ctx context.Context, in CreatePollInput) (Snapshot, error) {
	question, options, err := ValidatePoll(in.Question, in.Options)
	if err != nil {
		return Snapshot{}, err
	}

	signals := co.resolver.Resolve(ctx, in.Request)

	poll, err := co.store.CreatePoll(ctx, database.NewPoll(question, options, signals.AccountId()))
	if err != nil {
		return Snapshot{}, fmt.Errorf("create poll: %w", err)
	}

	co.recorder.PollCreated()
	logging.Logger.WithFields(logrus.Fields{"module": "voting", "method": "CreatePoll", "poll": poll.Id}).Info("poll created")

	return SnapshotOf(poll), nil
}

// SubmitVote records one vote on pollId if no fairness layer recognizes the
// voter, then publishes the updated snapshot to the poll's subscribers.
func (co *Coordinator) SubmitVote(ctx context.Context, pollId string, optionIndex int, req identity.Request) (VoteResult, error) {
	log := logging.Logger.WithFields(logrus.Fields{"module": "voting", "method": "SubmitVote", "poll": pollId})
	enter := func(s state) { log.WithField("state", s).Debug("vote attempt") }
	enter(stateReceived)

	enter(stateValidating)
	poll, err := co.store.GetPoll(ctx, pollId)
	if err != nil {
		return VoteResult{}, co.storeError("load poll", err)
	}
	if optionIndex < 0 || optionIndex >= len(poll.Options) {
		co.recorder.VoteRejected("invalid_option")
		return VoteResult{}, invalid("Invalid option index")
	}

	enter(stateResolvingIdentity)
	signals := co.resolver.Resolve(ctx, req)

	enter(stateCheckingFairness)
	if err := co.rules.Admit(signals); err != nil {
		enter(stateRejected)
		co.recorder.VoteRejected("authentication")
		return VoteResult{}, newAuthError(signals.AuthErr)
	}

	hasAccountVote := false
	if co.rules.RequireAccount {
		record, err := co.store.FindVoteRecord(ctx, pollId, signals.AccountId())
		if err != nil {
			return VoteResult{}, co.storeError("find vote record", err)
		}
		hasAccountVote = record != nil
	}

	decision, err := co.rules.Evaluate(fairness.StateOf(poll, hasAccountVote), signals, optionIndex)
	if err != nil {
		return VoteResult{}, err
	}
	if !decision.Allowed {
		enter(stateRejected)
		return VoteResult{}, co.reject(log, decision.Layer)
	}

	enter(stateMutating)
	updated, err := co.apply(ctx, pollId, decision)
	if err != nil {
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			enter(stateRejected)
			return VoteResult{}, co.reject(log, rejection.Layer)
		}
		if errors.Is(err, database.ErrOptionOutOfRange) {
			return VoteResult{}, invalid("Invalid option index")
		}
		return VoteResult{}, co.storeError("apply vote", err)
	}
	co.recorder.VoteAccepted()

	enter(stateBroadcasting)
	snapshot := SnapshotOf(updated)
	co.broadcast(log, snapshot)

	enter(stateCompleted)
	log.WithField("option", optionIndex).Info("vote recorded")

	return VoteResult{Poll: snapshot, VoteToken: decision.Mutation.Token}, nil
}

// apply writes the vote record, when the decision carries an account, and then
// the poll mutation. A failed poll mutation removes the vote record again so
// that nothing is left half applied.
func (co *Coordinator) apply(ctx context.Context, pollId string, d fairness.Decision) (*database.Poll, error) {
	if d.Account != nil {
		_, err := co.store.CreateVoteRecord(ctx, &database.VoteRecord{
			PollId:       pollId,
			UserId:       d.Account.Id,
			OptionChosen: d.Mutation.OptionIndex,
			UserEmail:    d.Account.Email,
		})
		if errors.Is(err, database.ErrDuplicateVote) {
			return nil, &RejectionError{Layer: fairness.LayerAccount}
		}
		if err != nil {
			return nil, err
		}
	}

	updated, err := co.store.ApplyVote(ctx, pollId, d.Mutation)
	if err == nil {
		return updated, nil
	}

	if d.Account != nil {
		// The request context may be the reason ApplyVote failed.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if derr := co.store.DeleteVoteRecord(cleanupCtx, pollId, d.Account.Id); derr != nil {
			logging.Logger.WithFields(logrus.Fields{
				"module": "voting",
				"method": logging.Trace().Function,
				"poll":   pollId,
				"error":  derr,
			}).Error("failed to roll back vote record")
		}
	}

	if errors.Is(err, database.ErrDedupConflict) {
		return nil, &RejectionError{Layer: co.conflictLayer(ctx, pollId, d.Mutation)}
	}
	return nil, err
}

// conflictLayer names the layer whose signal made the guarded update fail.
// It reloads the poll since a concurrent vote recorded the signal meanwhile.
func (co *Coordinator) conflictLayer(ctx context.Context, pollId string, m database.Mutation) fairness.Layer {
	poll, err := co.store.GetPoll(ctx, pollId)
	if err != nil {
		return fairness.LayerToken
	}

	signals := identity.Signals{VoteToken: m.PresentedToken, ClientId: m.ClientId, Address: m.Address}
	for _, c := range co.rules.Checkers() {
		if c.Matches(fairness.StateOf(poll, false), signals) {
			return c.Layer
		}
	}
	return fairness.LayerToken
}

// broadcast publishes snapshot unless a snapshot with a higher total was
// already published for the poll by a concurrent vote.
func (co *Coordinator) broadcast(log *logrus.Entry, snapshot Snapshot) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if snapshot.TotalVotes <= co.published[snapshot.Id] {
		log.WithField("total", snapshot.TotalVotes).Debug("newer snapshot already broadcast")
		return
	}
	co.published[snapshot.Id] = snapshot.TotalVotes

	if err := co.broadcaster.Publish(snapshot.Id, snapshot); err != nil {
		co.recorder.BroadcastFailed()
		log.WithField("error", err).Warn("failed to broadcast vote update")
	}
}

func (co *Coordinator) reject(log *logrus.Entry, layer fairness.Layer) error {
	co.recorder.VoteRejected(string(layer))
	log.WithField("layer", layer).Info("duplicate vote rejected")
	return &RejectionError{Layer: layer}
}

func (co *Coordinator) storeError(op string, err error) error {
	if errors.Is(err, database.ErrPollNotFound) {
		return ErrNotFound
	}
	logging.Logger.WithFields(logrus.Fields{"module": "voting", "method": op, "error": err}).Error("store operation failed")
	return fmt.Errorf("%s: %w", op, err)
}

// GetPollView returns the poll and, when the caller's identity evidence matches
// a recorded vote, the option it chose. Signals are consulted in fairness
// order: account, vote token, client id, then address.
func (co *Coordinator) GetPollView(ctx context.Context, pollId string, req identity.Request) (PollView, error) {
	poll, err := co.store.GetPoll(ctx, pollId)
	if err != nil {
		return PollView{}, co.storeError("load poll", err)
	}

	signals := co.resolver.Resolve(ctx, req)
	view := PollView{Poll: SnapshotOf(poll), IsAuthenticated: signals.Authenticated()}

	if signals.Authenticated() {
		record, err := co.store.FindVoteRecord(ctx, pollId, signals.AccountId())
		if err != nil {
			return PollView{}, co.storeError("find vote record", err)
		}
		if record != nil {
			option := record.OptionChosen
			view.UserVotedOption = &option
			return view, nil
		}
	}

	keys := []string{signals.VoteToken, signals.ClientId}
	if co.rules.CheckAddress {
		keys = append(keys, signals.FairnessAddress())
	}
	for _, key := range keys {
		if option, ok := poll.TokenVotes.Lookup(key); ok {
			view.UserVotedOption = &option
			break
		}
	}

	return view, nil
}
