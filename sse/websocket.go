package sse

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/computersciencehouse/pollify/logging"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	MessageJoinPoll = "joinPoll"

	writeTimeout = 5 * time.Second
)

type clientMessage struct {
	Type   string `json:"type"`
	PollId string `json:"pollId"`
}

type serverMessage struct {
	Type   string      `json:"type"`
	PollId string      `json:"pollId,omitempty"`
	Poll   interface{} `json:"poll,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WebSocketHandler returns a handler speaking the join-and-receive protocol:
// the client sends {"type":"joinPoll","pollId":...} and then receives a
// {"type":"voteUpdate","poll":...} message after every accepted vote. Joining
// another poll leaves the previous one.
func (broker *Broker) WebSocketHandler(originPatterns []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			return
		}
		broker.serveConn(c.Request.Context(), conn)
	}
}

func (broker *Broker) serveConn(ctx context.Context, conn *websocket.Conn) {
	log := logging.Logger.WithFields(logrus.Fields{"module": "sse", "method": "serveConn"})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	joins := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg clientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				readErr <- err
				return
			}
			if msg.Type != MessageJoinPoll || msg.PollId == "" {
				continue
			}
			select {
			case joins <- msg.PollId:
			case <-ctx.Done():
				return
			}
		}
	}()

	var sub *Subscription
	defer func() {
		if sub != nil {
			broker.Unsubscribe(sub)
		}
	}()

	write := func(msg serverMessage) error {
		writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
		defer cancelWrite()
		return wsjson.Write(writeCtx, conn, msg)
	}

	// A nil channel blocks forever until the first join.
	var events <-chan NotificationEvent
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case err := <-readErr:
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.WithField("error", err).Debug("websocket read failed")
			}
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case pollId := <-joins:
			if sub != nil {
				broker.Unsubscribe(sub)
				sub, events = nil, nil
			}
			next, err := broker.Subscribe(pollId)
			if err != nil {
				_ = write(serverMessage{Type: "error", PollId: pollId, Error: err.Error()})
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			sub, events = next, next.C
			log.WithField("poll", pollId).Debug("websocket joined poll")
			if err := write(serverMessage{Type: "joined", PollId: pollId}); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := write(serverMessage{Type: event.EventName, PollId: event.PollId, Poll: event.Payload}); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
