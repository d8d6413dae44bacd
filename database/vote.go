package database

import (
	"time"
)

// VoteRecord is written once per accepted authenticated vote. At most one exists
// per (PollId, UserId).
type VoteRecord struct {
	Id           string    `bson:"_id,omitempty" json:"id"`
	PollId       string    `bson:"pollId" json:"pollId"`
	UserId       string    `bson:"userId" json:"userId"`
	OptionChosen int       `bson:"optionChosen" json:"optionChosen"`
	UserEmail    string    `bson:"userEmail,omitempty" json:"-"`
	VotedAt      time.Time `bson:"votedAt" json:"votedAt"`
}
