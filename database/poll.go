package database

import (
	"time"
)

type Poll struct {
	Id        string    `bson:"_id,omitempty" json:"id"`
	Question  string    `bson:"question" json:"question"`
	Options   []Option  `bson:"options" json:"options"`
	CreatedBy string    `bson:"createdBy,omitempty" json:"createdBy,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	// Dedup state. Never serialized to clients.
	VotedTokens    []string    `bson:"votedTokens" json:"-"`
	VotedClients   []string    `bson:"votedClients" json:"-"`
	VotedAddresses []string    `bson:"votedAddresses" json:"-"`
	TokenVotes     SignalVotes `bson:"tokenVotes" json:"-"`
}

type Option struct {
	Text  string `bson:"text" json:"text"`
	Votes int    `bson:"votes" json:"votes"`
}

// SignalVote maps one fairness signal (vote token, client id or address) to the
// option index it voted for.
type SignalVote struct {
	Key    string `bson:"key" json:"key"`
	Option int    `bson:"option" json:"option"`
}

// SignalVotes is kept in insertion order and stored as an array of entries, since
// signal keys such as IPv4 addresses are not valid document field names.
type SignalVotes []SignalVote

// Lookup returns the option recorded for key. The earliest entry wins.
func (s SignalVotes) Lookup(key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	for _, v := range s {
		if v.Key == key {
			return v.Option, true
		}
	}
	return 0, false
}

// Mutation is the dedup update applied together with one vote increment.
type Mutation struct {
	OptionIndex int
	// Token is the freshly minted vote token handed back to the voter.
	Token    string
	ClientId string
	Address  string
	// PresentedToken is the token the voter sent, if any. It is only used to
	// guard the update and is not recorded.
	PresentedToken string
}

// Entries returns the tokenVotes entries this mutation adds.
func (m Mutation) Entries() SignalVotes {
	entries := SignalVotes{{Key: m.Token, Option: m.OptionIndex}}
	if m.ClientId != "" {
		entries = append(entries, SignalVote{Key: m.ClientId, Option: m.OptionIndex})
	}
	if m.Address != "" {
		entries = append(entries, SignalVote{Key: m.Address, Option: m.OptionIndex})
	}
	return entries
}

// NewPoll builds a poll with zeroed counters and empty dedup state.
func NewPoll(question string, options []string, createdBy string) *Poll {
	poll := &Poll{
		Question:       question,
		Options:        make([]Option, 0, len(options)),
		CreatedBy:      createdBy,
		VotedTokens:    []string{},
		VotedClients:   []string{},
		VotedAddresses: []string{},
		TokenVotes:     SignalVotes{},
	}
	for _, text := range options {
		poll.Options = append(poll.Options, Option{Text: text})
	}
	return poll
}

// TotalVotes is the sum of all option counters.
func (poll *Poll) TotalVotes() int {
	total := 0
	for _, opt := range poll.Options {
		total += opt.Votes
	}
	return total
}

func (poll *Poll) clone() *Poll {
	c := *poll
	c.Options = append([]Option(nil), poll.Options...)
	c.VotedTokens = append([]string{}, poll.VotedTokens...)
	c.VotedClients = append([]string{}, poll.VotedClients...)
	c.VotedAddresses = append([]string{}, poll.VotedAddresses...)
	c.TokenVotes = append(SignalVotes{}, poll.TokenVotes...)
	return &c
}
