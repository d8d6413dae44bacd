// Package identity turns the evidence attached to a request into fairness
// signals. It does not decide whether a vote is allowed.
package identity

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/computersciencehouse/pollify/logging"
	"github.com/sirupsen/logrus"
)

const (
	HeaderVoteToken    = "X-Vote-Token"
	HeaderClientId     = "X-Client-Id"
	HeaderForwardedFor = "X-Forwarded-For"

	// LocalAddress is the sentinel used when no routable source address is known.
	LocalAddress = "local"

	bearerPrefix = "Bearer "
)

var (
	ErrNoCredential = errors.New("no credential presented")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid authentication token")
)

type Account struct {
	Id    string
	Email string
	Name  string
}

// Verifier checks a bearer credential with an external identity provider.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Account, error)
}

// Request is the raw identity evidence of one HTTP request.
type Request struct {
	Authorization string
	VoteToken     string
	ClientId      string
	ForwardedFor  string
	RemoteAddr    string

	// Session is an account already established by a session middleware. When
	// set, Authorization is ignored.
	Session *Account
}

// Signals are the fairness signals of one request. Any of them may be empty.
type Signals struct {
	Account   *Account
	VoteToken string
	ClientId  string
	Address   string

	// AuthErr explains why no account was produced even though a credential was
	// presented, or is ErrNoCredential when none was.
	AuthErr error
}

func (s Signals) Authenticated() bool {
	return s.Account != nil
}

func (s Signals) AccountId() string {
	if s.Account == nil {
		return ""
	}
	return s.Account.Id
}

// FairnessAddress returns the source address, or "" when it is a sentinel or
// loopback value that must not take part in fairness decisions.
func (s Signals) FairnessAddress() string {
	if IsSentinel(s.Address) {
		return ""
	}
	return s.Address
}

type Resolver struct {
	verifier Verifier
}

// NewResolver returns a resolver using verifier for bearer credentials. A nil
// verifier treats every request as unauthenticated.
func NewResolver(verifier Verifier) *Resolver {
	if verifier == nil {
		verifier = NopVerifier{}
	}
	return &Resolver{verifier: verifier}
}

func (r *Resolver) Resolve(ctx context.Context, req Request) Signals {
	signals := Signals{
		VoteToken: strings.TrimSpace(req.VoteToken),
		ClientId:  strings.TrimSpace(req.ClientId),
		Address:   ResolveAddress(req.ForwardedFor, req.RemoteAddr),
	}

	if req.Session != nil {
		signals.Account = req.Session
		return signals
	}

	credential, err := bearerCredential(req.Authorization)
	if err != nil {
		signals.AuthErr = err
		return signals
	}

	account, err := r.verifier.Verify(ctx, credential)
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"module": "identity", "method": "Resolve", "error": err}).Debug("credential rejected")
		signals.AuthErr = err
		return signals
	}
	signals.Account = account

	return signals
}

func bearerCredential(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrNoCredential
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrTokenInvalid
	}
	credential := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if credential == "" {
		return "", ErrTokenInvalid
	}
	return credential, nil
}

// ResolveAddress picks the first X-Forwarded-For entry unless it is loopback,
// then the connection's remote address, then LocalAddress.
func ResolveAddress(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if ip := net.ParseIP(first); ip != nil && !ip.IsLoopback() {
			return ip.String()
		}
	}

	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
		return ip.String()
	}

	return LocalAddress
}

// IsSentinel reports whether address carries no usable network identity.
func IsSentinel(address string) bool {
	if address == "" || address == LocalAddress {
		return true
	}
	ip := net.ParseIP(address)
	return ip == nil || ip.IsLoopback() || ip.IsUnspecified()
}

// NopVerifier rejects every credential. It is used when no identity provider is
// configured.
type NopVerifier struct{}

func (NopVerifier) Verify(context.Context, string) (*Account, error) {
	return nil, ErrNoCredential
}
