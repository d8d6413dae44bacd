/*
The MIT License (MIT)

Copyright (c) 2017-2021 Ismael Celis and contributors

Permission is hereby granted, free of charge, to any person obtaining a copy of
this software and associated documentation files (the "Software"), to deal in
the Software without restriction, including without limitation the rights to
use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
the Software, and to permit persons to whom the Software is furnished to do so,
subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

package sse

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/computersciencehouse/pollify/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// EventVoteUpdate carries the full poll snapshot after an accepted vote.
	EventVoteUpdate = "voteUpdate"

	DefaultPatience = time.Second * 1

	notifierBuffer     = 64
	subscriptionBuffer = 8
	keepAlive          = 15 * time.Second
)

var (
	ErrBrokerBusy = errors.New("broker notification queue is full")
	ErrClosed     = errors.New("broker is closed")
)

type (
	NotificationEvent struct {
		PollId    string
		EventName string
		Payload   interface{}

		// seq orders events against subscriptions
		seq uint64
	}

	// Subscription receives the events of one poll until it is unsubscribed or
	// the broker stops, at which point C is closed.
	Subscription struct {
		Id     string
		PollId string
		C      <-chan NotificationEvent

		c chan NotificationEvent
		// since is the last event sequence published before Subscribe
		since uint64
	}

	Broker struct {

		// Events are pushed to this channel by Publish
		notifier chan NotificationEvent

		// Last sequence number handed out by Publish
		sequence atomic.Uint64

		// New client connections
		newClients chan *Subscription

		// Closed client connections
		closingClients chan *Subscription

		// Client connections registry, by poll
		clients map[string]map[*Subscription]struct{}

		// How long a slow subscriber may hold up delivery before it is skipped
		patience time.Duration

		// Called from the listen loop with the total subscriber count
		observe func(int)

		done chan struct{}
	}
)

func NewBroker(patience time.Duration, observe func(total int)) (broker *Broker) {
	if patience <= 0 {
		patience = DefaultPatience
	}
	if observe == nil {
		observe = func(int) {}
	}
	// Instantiate a broker
	return &Broker{
		notifier:       make(chan NotificationEvent, notifierBuffer),
		newClients:     make(chan *Subscription),
		closingClients: make(chan *Subscription),
		clients:        make(map[string]map[*Subscription]struct{}),
		patience:       patience,
		observe:        observe,
		done:           make(chan struct{}),
	}
}

// Subscribe registers a new subscription to the channel of pollId. Listen must
// be running.
func (broker *Broker) Subscribe(pollId string) (*Subscription, error) {
	c := make(chan NotificationEvent, subscriptionBuffer)
	sub := &Subscription{Id: uuid.NewString(), PollId: pollId, C: c, c: c, since: broker.sequence.Load()}

	select {
	case broker.newClients <- sub:
		return sub, nil
	case <-broker.done:
		return nil, ErrClosed
	}
}

func (broker *Broker) Unsubscribe(sub *Subscription) {
	select {
	case broker.closingClients <- sub:
	case <-broker.done:
	}
}

// Publish queues payload for every current subscriber of pollId. Subscriptions
// made after Publish returns never see the event. It never blocks: a full queue
// is reported as ErrBrokerBusy.
func (broker *Broker) Publish(pollId string, payload interface{}) error {
	event := NotificationEvent{PollId: pollId, EventName: EventVoteUpdate, Payload: payload}

	select {
	case <-broker.done:
		return ErrClosed
	default:
	}

	event.seq = broker.sequence.Add(1)
	select {
	case broker.notifier <- event:
		return nil
	default:
		return ErrBrokerBusy
	}
}

// Listen for new notifications and redistribute them to clients until ctx is done.
func (broker *Broker) Listen(ctx context.Context) {
	log := logging.Logger.WithFields(logrus.Fields{"module": "sse", "method": "Listen"})
	total := 0

	defer func() {
		close(broker.done)
		for _, subs := range broker.clients {
			for s := range subs {
				close(s.c)
			}
		}
		broker.clients = make(map[string]map[*Subscription]struct{})
		broker.observe(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-broker.newClients:

			// A new client has connected.
			// Register their message channel
			subs, ok := broker.clients[s.PollId]
			if !ok {
				subs = make(map[*Subscription]struct{})
				broker.clients[s.PollId] = subs
			}
			subs[s] = struct{}{}
			total++
			broker.observe(total)
			log.WithField("poll", s.PollId).Debugf("Client added. %d registered clients", total)
		case s := <-broker.closingClients:

			// A client has dettached and we want to
			// stop sending them messages.
			subs := broker.clients[s.PollId]
			if _, ok := subs[s]; !ok {
				continue
			}
			delete(subs, s)
			if len(subs) == 0 {
				delete(broker.clients, s.PollId)
			}
			close(s.c)
			total--
			broker.observe(total)
			log.WithField("poll", s.PollId).Debugf("Removed client. %d registered clients", total)
		case event := <-broker.notifier:

			// Send event to every client of that poll
			for s := range broker.clients[event.PollId] {
				if event.seq <= s.since {
					continue
				}
				select {
				case s.c <- event:
				case <-time.After(broker.patience):
					log.WithFields(logrus.Fields{"poll": event.PollId, "subscriber": s.Id}).Warn("Skipping client.")
				}
			}
		}
	}
}

// ServeHTTP streams the vote updates of the poll named by the :id parameter as
// Server-Sent Events.
func (broker *Broker) ServeHTTP(c *gin.Context) {
	pollId := c.Param("id")

	sub, err := broker.Subscribe(pollId)
	if err != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	// Remove this client from the map of connected clients
	// when this handler exits.
	defer broker.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return false
			}
			// Emit Server Sent Events compatible
			c.SSEvent(event.EventName, event.Payload)
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}
