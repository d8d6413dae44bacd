package database

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type voteKey struct {
	pollId string
	userId string
}

// MemoryStore is a process-local store with the same semantics as MongoStore.
// A single mutex serializes every mutation.
type MemoryStore struct {
	mu    sync.Mutex
	polls map[string]*Poll
	votes map[voteKey]*VoteRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		polls: make(map[string]*Poll),
		votes: make(map[voteKey]*VoteRecord),
	}
}

func (s *MemoryStore) CreatePoll(ctx context.Context, poll *Poll) (*Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := poll.clone()
	p.Id = primitive.NewObjectID().Hex()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.polls[p.Id] = p

	return p.clone(), nil
}

func (s *MemoryStore) GetPoll(ctx context.Context, id string) (*Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	poll, ok := s.polls[id]
	if !ok {
		return nil, ErrPollNotFound
	}
	return poll.clone(), nil
}

func (s *MemoryStore) ApplyVote(ctx context.Context, pollId string, m Mutation) (*Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	poll, ok := s.polls[pollId]
	if !ok {
		return nil, ErrPollNotFound
	}
	if m.OptionIndex < 0 || m.OptionIndex >= len(poll.Options) {
		return nil, ErrOptionOutOfRange
	}
	if (m.PresentedToken != "" && lo.Contains(poll.VotedTokens, m.PresentedToken)) ||
		(m.ClientId != "" && lo.Contains(poll.VotedClients, m.ClientId)) ||
		(m.Address != "" && lo.Contains(poll.VotedAddresses, m.Address)) {
		return nil, ErrDedupConflict
	}

	poll.Options[m.OptionIndex].Votes++
	poll.VotedTokens = append(poll.VotedTokens, m.Token)
	if m.ClientId != "" {
		poll.VotedClients = append(poll.VotedClients, m.ClientId)
	}
	if m.Address != "" {
		poll.VotedAddresses = append(poll.VotedAddresses, m.Address)
	}
	poll.TokenVotes = append(poll.TokenVotes, m.Entries()...)
	poll.UpdatedAt = time.Now().UTC()

	return poll.clone(), nil
}

func (s *MemoryStore) FindVoteRecord(ctx context.Context, pollId, userId string) (*VoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.votes[voteKey{pollId, userId}]
	if !ok {
		return nil, nil
	}
	r := *record
	return &r, nil
}

func (s *MemoryStore) CreateVoteRecord(ctx context.Context, record *VoteRecord) (*VoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := voteKey{record.PollId, record.UserId}
	if _, exists := s.votes[key]; exists {
		return nil, ErrDuplicateVote
	}

	r := *record
	r.Id = primitive.NewObjectID().Hex()
	if r.VotedAt.IsZero() {
		r.VotedAt = time.Now().UTC()
	}
	s.votes[key] = &r

	out := r
	return &out, nil
}

func (s *MemoryStore) DeleteVoteRecord(ctx context.Context, pollId, userId string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := voteKey{pollId, userId}
	if _, ok := s.votes[key]; !ok {
		return ErrVoteNotFound
	}
	delete(s.votes, key)
	return nil
}
