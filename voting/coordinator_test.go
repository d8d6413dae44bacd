package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/computersciencehouse/pollify/database"
	"github.com/computersciencehouse/pollify/fairness"
	"github.com/computersciencehouse/pollify/identity"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier map[string]error

func (f fakeVerifier) Verify(_ context.Context, credential string) (*identity.Account, error) {
	if err, ok := f[credential]; ok {
		return nil, err
	}
	return &identity.Account{Id: credential, Email: credential + "@example.com"}, nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []Snapshot
	err    error
}

func (b *fakeBroadcaster) Publish(_ string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, payload.(Snapshot))
	return nil
}

func (b *fakeBroadcaster) published() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Snapshot(nil), b.events...)
}

type fakeRecorder struct {
	mu                        sync.Mutex
	accepted, failed, created int
	rejected                  map[string]int
}

func (r *fakeRecorder) VoteAccepted()    { r.mu.Lock(); r.accepted++; r.mu.Unlock() }
func (r *fakeRecorder) BroadcastFailed() { r.mu.Lock(); r.failed++; r.mu.Unlock() }
func (r *fakeRecorder) PollCreated()     { r.mu.Lock(); r.created++; r.mu.Unlock() }
func (r *fakeRecorder) VoteRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejected == nil {
		r.rejected = make(map[string]int)
	}
	r.rejected[reason]++
}

// failingStore fails ApplyVote while delegating everything else.
type failingStore struct {
	*database.MemoryStore
	err error
}

func (s *failingStore) ApplyVote(context.Context, string, database.Mutation) (*database.Poll, error) {
	return nil, s.err
}

type harness struct {
	co       *Coordinator
	store    Store
	events   *fakeBroadcaster
	recorder *fakeRecorder
}

func newHarness(rules fairness.Ruleset, store Store) *harness {
	if store == nil {
		store = database.NewMemoryStore()
	}
	h := &harness{
		store:    store,
		events:   &fakeBroadcaster{},
		recorder: &fakeRecorder{},
	}
	resolver := identity.NewResolver(fakeVerifier{"expired": identity.ErrTokenExpired, "forged": identity.ErrTokenInvalid})
	h.co = NewCoordinator(store, resolver, rules, h.events, h.recorder)
	return h
}

func (h *harness) createPoll(t *testing.T) Snapshot {
	t.Helper()

	poll, err := h.co.CreatePoll(context.Background(), CreatePollInput{
		Question: "Best color?",
		Options:  []string{"Red", "Blue"},
	})
	require.NoError(t, err)
	return poll
}

func bearer(user string) string {
	return "Bearer " + user
}

func TestCoordinator_CreatePoll(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)

	poll, err := h.co.CreatePoll(context.Background(), CreatePollInput{
		Question: " Best color? ",
		Options:  []string{"Red", "Blue", ""},
		Request:  identity.Request{Authorization: bearer("alice")},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, poll.Id)
	assert.Equal(t, "Best color?", poll.Question)
	assert.Equal(t, []database.Option{{Text: "Red"}, {Text: "Blue"}}, poll.Options)
	assert.Equal(t, "alice", poll.CreatedBy)
	assert.Zero(t, poll.TotalVotes)
	assert.Equal(t, 1, h.recorder.created)
}

func TestCoordinator_CreatePollInvalid(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)

	_, err := h.co.CreatePoll(context.Background(), CreatePollInput{Question: "Q?", Options: []string{"a", "a"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, h.recorder.created)
}

func TestCoordinator_VoteThenReuseToken(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)
	ctx := context.Background()

	result, err := h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Poll.Options[0].Votes)
	assert.Equal(t, 1, result.Poll.TotalVotes)
	assert.Len(t, result.VoteToken, 32)

	_, err = h.co.SubmitVote(ctx, poll.Id, 1, identity.Request{VoteToken: result.VoteToken})
	require.ErrorIs(t, err, ErrAlreadyVoted)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, fairness.LayerToken, rejection.Layer)
	assert.Equal(t, "already voted (token)", err.Error())

	view, err := h.co.GetPollView(ctx, poll.Id, identity.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, view.Poll.TotalVotes)
	assert.Equal(t, 0, view.Poll.Options[1].Votes)

	require.Len(t, h.events.published(), 1)
	assert.Equal(t, result.Poll, h.events.published()[0])
	assert.Equal(t, 1, h.recorder.rejected["token"])
}

func TestCoordinator_InvalidOption(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)

	for _, idx := range []int{-1, 2, 5} {
		_, err := h.co.SubmitVote(context.Background(), poll.Id, idx, identity.Request{ClientId: "c1"})
		require.ErrorIs(t, err, ErrInvalidInput)
		assert.Equal(t, "Invalid option index", err.Error())
	}

	assert.Empty(t, h.events.published())
	view, err := h.co.GetPollView(context.Background(), poll.Id, identity.Request{ClientId: "c1"})
	require.NoError(t, err)
	assert.Zero(t, view.Poll.TotalVotes)
	assert.Nil(t, view.UserVotedOption)
}

func TestCoordinator_PollNotFound(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)

	_, err := h.co.SubmitVote(context.Background(), "missing", 0, identity.Request{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.co.GetPollView(context.Background(), "missing", identity.Request{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_AuthenticationRequired(t *testing.T) {
	h := newHarness(fairness.Ruleset{RequireAccount: true}, nil)
	poll := h.createPoll(t)

	tests := []struct {
		name          string
		authorization string
		reason        string
		message       string
	}{
		{"missing", "", AuthReasonMissing, "Authentication required. Please log in."},
		{"expired", bearer("expired"), AuthReasonExpired, "Token expired. Please log in again."},
		{"invalid", bearer("forged"), AuthReasonInvalid, "Invalid authentication token"},
		{"malformed", "Basic abc", AuthReasonInvalid, "Invalid authentication token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.co.SubmitVote(context.Background(), poll.Id, 0, identity.Request{Authorization: tt.authorization})
			require.ErrorIs(t, err, ErrAuthenticationRequired)

			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.reason, authErr.Reason)
			assert.Equal(t, tt.message, err.Error())
		})
	}

	assert.Empty(t, h.events.published())
}

func TestCoordinator_AccountLayerTakesPriority(t *testing.T) {
	h := newHarness(fairness.Ruleset{RequireAccount: true}, nil)
	poll := h.createPoll(t)
	ctx := context.Background()

	first, err := h.co.SubmitVote(ctx, poll.Id, 1, identity.Request{Authorization: bearer("alice"), ClientId: "c1"})
	require.NoError(t, err)

	_, err = h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{
		Authorization: bearer("alice"),
		ClientId:      "c1",
		VoteToken:     first.VoteToken,
	})
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, fairness.LayerAccount, rejection.Layer)

	view, err := h.co.GetPollView(ctx, poll.Id, identity.Request{Authorization: bearer("alice")})
	require.NoError(t, err)
	assert.True(t, view.IsAuthenticated)
	require.NotNil(t, view.UserVotedOption)
	assert.Equal(t, 1, *view.UserVotedOption)

	// A different account on a fresh device is a new voter.
	_, err = h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{Authorization: bearer("bob"), ClientId: "c2"})
	require.NoError(t, err)
}

func TestCoordinator_OpenModeRecordsSignedInVoters(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)
	ctx := context.Background()

	_, err := h.co.SubmitVote(ctx, poll.Id, 1, identity.Request{Authorization: bearer("alice"), ClientId: "laptop"})
	require.NoError(t, err)

	record, err := h.store.FindVoteRecord(ctx, poll.Id, "alice")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 1, record.OptionChosen)

	view, err := h.co.GetPollView(ctx, poll.Id, identity.Request{Authorization: bearer("alice"), ClientId: "phone"})
	require.NoError(t, err)
	require.NotNil(t, view.UserVotedOption)
	assert.Equal(t, 1, *view.UserVotedOption)

	_, err = h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{Authorization: bearer("alice"), ClientId: "phone"})
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, fairness.LayerAccount, rejection.Layer)

	// Anonymous voters are unaffected.
	_, err = h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{ClientId: "kiosk"})
	require.NoError(t, err)

	view, err = h.co.GetPollView(ctx, poll.Id, identity.Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, view.Poll.TotalVotes)
}

func TestCoordinator_NetworkLayer(t *testing.T) {
	h := newHarness(fairness.Ruleset{CheckAddress: true}, nil)
	poll := h.createPoll(t)
	ctx := context.Background()

	_, err := h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{ClientId: "c1", ForwardedFor: "203.0.113.7, 10.0.0.1"})
	require.NoError(t, err)

	_, err = h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{ClientId: "c2", RemoteAddr: "203.0.113.7:5555"})
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, fairness.LayerNetwork, rejection.Layer)

	// Loopback callers share the sentinel address and are never grouped by it.
	_, err = h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{ClientId: "c3", RemoteAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	_, err = h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{ClientId: "c4", RemoteAddr: "127.0.0.1:2"})
	require.NoError(t, err)

	view, err := h.co.GetPollView(ctx, poll.Id, identity.Request{RemoteAddr: "203.0.113.7:1"})
	require.NoError(t, err)
	require.NotNil(t, view.UserVotedOption)
	assert.Equal(t, 0, *view.UserVotedOption)
}

func TestCoordinator_GetPollViewBySignal(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)
	ctx := context.Background()

	first, err := h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{ClientId: "c1"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  identity.Request
		want *int
	}{
		{"issued token", identity.Request{VoteToken: first.VoteToken}, intPtr(0)},
		{"client id", identity.Request{ClientId: "c1"}, intPtr(0)},
		{"unknown voter", identity.Request{VoteToken: "nope", ClientId: "c9"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view, err := h.co.GetPollView(ctx, poll.Id, tt.req)
			require.NoError(t, err)
			assert.False(t, view.IsAuthenticated)
			assert.Equal(t, tt.want, view.UserVotedOption)
		})
	}
}

func TestCoordinator_GetPollViewIsReadOnly(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)
	ctx := context.Background()

	_, err := h.co.SubmitVote(ctx, poll.Id, 1, identity.Request{ClientId: "c1"})
	require.NoError(t, err)

	a, err := h.co.GetPollView(ctx, poll.Id, identity.Request{ClientId: "c1"})
	require.NoError(t, err)
	b, err := h.co.GetPollView(ctx, poll.Id, identity.Request{ClientId: "c1"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, h.events.published(), 1)
}

func TestCoordinator_ConcurrentAccountVotes(t *testing.T) {
	h := newHarness(fairness.Ruleset{RequireAccount: true}, nil)
	poll := h.createPoll(t)

	const attempts = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.co.SubmitVote(context.Background(), poll.Id, i%2, identity.Request{
				Authorization: bearer("alice"),
				ClientId:      fmt.Sprintf("device-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrAlreadyVoted):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, attempts-1, rejected)

	view, err := h.co.GetPollView(context.Background(), poll.Id, identity.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, view.Poll.TotalVotes)
}

func TestCoordinator_ConcurrentSameClient(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)

	const attempts = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		layers   = map[fairness.Layer]int{}
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.co.SubmitVote(context.Background(), poll.Id, 0, identity.Request{ClientId: "shared"})
			mu.Lock()
			defer mu.Unlock()
			var rejection *RejectionError
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &rejection):
				layers[rejection.Layer]++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, map[fairness.Layer]int{fairness.LayerClient: attempts - 1}, layers)
}

func TestCoordinator_TallyMatchesAcceptedVotes(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.co.SubmitVote(ctx, poll.Id, i%2, identity.Request{ClientId: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
		_, err = h.co.SubmitVote(ctx, poll.Id, i%2, identity.Request{ClientId: fmt.Sprintf("c%d", i)})
		require.ErrorIs(t, err, ErrAlreadyVoted)
	}

	view, err := h.co.GetPollView(ctx, poll.Id, identity.Request{})
	require.NoError(t, err)
	assert.Equal(t, 10, view.Poll.TotalVotes)
	assert.Equal(t, 5, view.Poll.Options[0].Votes)
	assert.Equal(t, 5, view.Poll.Options[1].Votes)
	assert.Equal(t, 10, h.recorder.accepted)

	events := h.events.published()
	require.Len(t, events, 10)
	for i, event := range events {
		assert.Equal(t, i+1, event.TotalVotes)
	}
}

func TestCoordinator_StaleSnapshotsAreNotBroadcast(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	log := logrus.NewEntry(logrus.New())

	h.co.broadcast(log, Snapshot{Id: "p1", TotalVotes: 2})
	h.co.broadcast(log, Snapshot{Id: "p1", TotalVotes: 1})
	h.co.broadcast(log, Snapshot{Id: "p2", TotalVotes: 1})
	h.co.broadcast(log, Snapshot{Id: "p1", TotalVotes: 3})

	totals := make([]string, 0, 3)
	for _, s := range h.events.published() {
		totals = append(totals, fmt.Sprintf("%s:%d", s.Id, s.TotalVotes))
	}
	assert.Equal(t, []string{"p1:2", "p2:1", "p1:3"}, totals)
}

func TestCoordinator_ConcurrentVotesBroadcastIncreasingTotals(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.co.SubmitVote(context.Background(), poll.Id, i%2, identity.Request{ClientId: fmt.Sprintf("c%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := h.events.published()
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].TotalVotes, events[i-1].TotalVotes)
	}
	assert.Equal(t, 20, events[len(events)-1].TotalVotes)
}

func TestCoordinator_BroadcastFailureIsNotAnError(t *testing.T) {
	h := newHarness(fairness.Ruleset{}, nil)
	poll := h.createPoll(t)
	h.events.err = errors.New("queue full")

	result, err := h.co.SubmitVote(context.Background(), poll.Id, 0, identity.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Poll.TotalVotes)
	assert.Equal(t, 1, h.recorder.failed)
}

func TestCoordinator_StoreFailureRollsBack(t *testing.T) {
	store := &failingStore{MemoryStore: database.NewMemoryStore(), err: errors.New("connection reset")}
	h := newHarness(fairness.Ruleset{RequireAccount: true}, store)
	poll := h.createPoll(t)
	ctx := context.Background()

	_, err := h.co.SubmitVote(ctx, poll.Id, 0, identity.Request{Authorization: bearer("alice")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyVoted)
	assert.ErrorIs(t, err, store.err)
	assert.Empty(t, h.events.published())

	record, err := store.FindVoteRecord(ctx, poll.Id, "alice")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func intPtr(i int) *int {
	return &i
}
