// Package fairness decides whether a vote attempt is a duplicate.
//
// A Ruleset expands into an ordered list of checkers, strongest signal first.
// Evaluate runs them in order and the first one that matches rejects the vote.
// When none matches the vote is allowed and Evaluate returns the dedup mutation
// that has to be stored together with the vote.
package fairness

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/computersciencehouse/pollify/database"
	"github.com/computersciencehouse/pollify/identity"
	"github.com/samber/lo"
)

type Layer string

const (
	LayerAccount Layer = "account"
	LayerNetwork Layer = "network"
	LayerToken   Layer = "token"
	LayerClient  Layer = "client"
)

const tokenBytes = 16

var ErrAccountRequired = errors.New("authentication required to vote")

func (l Layer) Message() string {
	return fmt.Sprintf("already voted (%s)", l)
}

// State is the dedup state of one poll as seen by one request.
type State struct {
	VotedTokens    []string
	VotedClients   []string
	VotedAddresses []string
	// HasAccountVote is true when a vote record exists for the request's account.
	HasAccountVote bool
}

func StateOf(poll *database.Poll, hasAccountVote bool) State {
	return State{
		VotedTokens:    poll.VotedTokens,
		VotedClients:   poll.VotedClients,
		VotedAddresses: poll.VotedAddresses,
		HasAccountVote: hasAccountVote,
	}
}

type Checker struct {
	Layer   Layer
	Matches func(State, identity.Signals) bool
}

var (
	accountChecker = Checker{LayerAccount, func(st State, s identity.Signals) bool {
		return s.Authenticated() && st.HasAccountVote
	}}
	networkChecker = Checker{LayerNetwork, func(st State, s identity.Signals) bool {
		addr := s.FairnessAddress()
		return addr != "" && lo.Contains(st.VotedAddresses, addr)
	}}
	tokenChecker = Checker{LayerToken, func(st State, s identity.Signals) bool {
		return s.VoteToken != "" && lo.Contains(st.VotedTokens, s.VoteToken)
	}}
	clientChecker = Checker{LayerClient, func(st State, s identity.Signals) bool {
		return s.ClientId != "" && lo.Contains(st.VotedClients, s.ClientId)
	}}
)

// Ruleset is the fairness policy of a deployment.
type Ruleset struct {
	// RequireAccount makes a verified account mandatory for voting and enables
	// the account layer.
	RequireAccount bool
	// CheckAddress enables the network layer.
	CheckAddress bool
}

func (r Ruleset) Name() string {
	switch {
	case r.RequireAccount && r.CheckAddress:
		return "account+network"
	case r.RequireAccount:
		return "account"
	case r.CheckAddress:
		return "network"
	default:
		return "open"
	}
}

// Checkers returns the enabled layers, strongest first.
func (r Ruleset) Checkers() []Checker {
	checkers := make([]Checker, 0, 4)
	if r.RequireAccount {
		checkers = append(checkers, accountChecker)
	}
	if r.CheckAddress {
		checkers = append(checkers, networkChecker)
	}
	return append(checkers, tokenChecker, clientChecker)
}

// Admit fails with ErrAccountRequired when the ruleset needs an account the
// signals do not carry. It runs before any layer is evaluated.
func (r Ruleset) Admit(s identity.Signals) error {
	if r.RequireAccount && !s.Authenticated() {
		return ErrAccountRequired
	}
	return nil
}

type Decision struct {
	Allowed bool
	// Layer is the layer that rejected the vote.
	Layer Layer
	// Mutation is set when Allowed.
	Mutation database.Mutation
	// Account is set when Allowed and the voter has a verified account. A vote
	// record has to be written for it.
	Account *identity.Account
}

func (r Ruleset) Evaluate(state State, s identity.Signals, optionIndex int) (Decision, error) {
	for _, c := range r.Checkers() {
		if c.Matches(state, s) {
			return Decision{Layer: c.Layer}, nil
		}
	}

	token, err := NewToken()
	for err == nil && lo.Contains(state.VotedTokens, token) {
		token, err = NewToken()
	}
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed: true,
		Mutation: database.Mutation{
			OptionIndex:    optionIndex,
			Token:          token,
			ClientId:       s.ClientId,
			PresentedToken: s.VoteToken,
		},
	}
	if r.CheckAddress {
		d.Mutation.Address = s.FairnessAddress()
	}
	// Any verified account gets a vote record, even when the account layer is
	// off, so the voter's choice can be found from another device.
	d.Account = s.Account
	return d, nil
}

// NewToken returns 128 random bits, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate vote token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
