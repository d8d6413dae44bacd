package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/computersciencehouse/pollify/identity"
	"github.com/computersciencehouse/pollify/logging"
	"github.com/computersciencehouse/pollify/sse"
	"github.com/computersciencehouse/pollify/voting"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type server struct {
	polls  *voting.Coordinator
	broker *sse.Broker
	// csh is nil unless members log in through CSH sessions.
	csh      *identity.CSHProvider
	gatherer prometheus.Gatherer
	origins  []string
}

type createPollRequest struct {
	Question string   `json:"question" binding:"required"`
	Options  []string `json:"options" binding:"required,min=2"`
}

type voteRequest struct {
	OptionIndex *int `json:"optionIndex" binding:"required"`
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok"})
	})
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	if s.csh != nil {
		s.csh.Register(r)
	}

	api := r.Group("/api/polls")
	api.POST("", s.wrap(s.createPoll))
	api.GET("/:id", s.wrap(s.getPoll))
	api.POST("/:id/vote", s.wrap(s.vote))
	api.GET("/:id/stream", s.wrap(s.broker.ServeHTTP))

	r.GET("/ws", s.wrap(s.broker.WebSocketHandler(s.origins)))

	return r
}

func (s *server) wrap(handler gin.HandlerFunc) gin.HandlerFunc {
	if s.csh == nil {
		return handler
	}
	return s.csh.Wrap(handler)
}

func identityRequest(c *gin.Context) identity.Request {
	return identity.Request{
		Authorization: c.GetHeader("Authorization"),
		VoteToken:     c.GetHeader(identity.HeaderVoteToken),
		ClientId:      c.GetHeader(identity.HeaderClientId),
		ForwardedFor:  c.GetHeader(identity.HeaderForwardedFor),
		RemoteAddr:    c.Request.RemoteAddr,
		Session:       identity.CSHSession(c),
	}
}

func (s *server) createPoll(c *gin.Context) {
	var req createPollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, &voting.InputError{Message: bindingMessage(err, "Question and at least 2 options are required")}, "create poll")
		return
	}

	poll, err := s.polls.CreatePoll(c.Request.Context(), voting.CreatePollInput{
		Question: req.Question,
		Options:  req.Options,
		Request:  identityRequest(c),
	})
	if err != nil {
		fail(c, err, "create poll")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Poll created successfully",
		"poll":    poll,
	})
}

func (s *server) getPoll(c *gin.Context) {
	view, err := s.polls.GetPollView(c.Request.Context(), c.Param("id"), identityRequest(c))
	if err != nil {
		fail(c, err, "get poll")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         "Poll retrieved successfully",
		"poll":            view.Poll,
		"userVotedOption": view.UserVotedOption,
		"isAuthenticated": view.IsAuthenticated,
	})
}

func (s *server) vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, &voting.InputError{Message: bindingMessage(err, "Invalid option index")}, "vote")
		return
	}

	result, err := s.polls.SubmitVote(c.Request.Context(), c.Param("id"), *req.OptionIndex, identityRequest(c))
	if err != nil {
		fail(c, err, "vote")
		return
	}

	c.Header(identity.HeaderVoteToken, result.VoteToken)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Vote recorded successfully",
		"poll":      result.Poll,
		"voteToken": result.VoteToken,
	})
}

// bindingMessage turns a binding failure into a user message. Field validation
// failures name the fields; malformed bodies fall back to fallback.
func bindingMessage(err error, fallback string) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fallback
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Question", "Options":
			return fallback
		}
		fields = append(fields, lowerFirst(fe.Field()))
	}
	return fmt.Sprintf("%s is required", strings.Join(fields, ", "))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// fail writes the error response for err. Anything that is not a domain error
// is logged and reported as "Failed to <action>".
func fail(c *gin.Context, err error, action string) {
	status := http.StatusInternalServerError
	message := "Failed to " + action

	switch {
	case errors.Is(err, voting.ErrNotFound):
		status, message = http.StatusNotFound, "Poll not found"
	case errors.Is(err, voting.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, voting.ErrAuthenticationRequired):
		status, message = http.StatusUnauthorized, err.Error()
	case errors.Is(err, voting.ErrAlreadyVoted):
		status, message = http.StatusForbidden, err.Error()
	default:
		_ = c.Error(err)
		logging.Logger.WithFields(logrus.Fields{
			"module": "main",
			"method": action,
			"error":  err,
		}).Error("request failed")
	}

	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}
