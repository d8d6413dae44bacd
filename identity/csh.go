package identity

import (
	csh_auth "github.com/computersciencehouse/csh-auth"
	"github.com/gin-gonic/gin"
)

const cshContextKey = "cshauth"

type CSHConfig struct {
	ClientId  string
	Secret    string
	JWTSecret string
	State     string
	Host      string
}

// CSHProvider authenticates members through CSH OIDC sessions.
type CSHProvider struct {
	auth csh_auth.CSHAuth
}

func NewCSHProvider(cfg CSHConfig) *CSHProvider {
	p := &CSHProvider{}
	p.auth.Init(
		cfg.ClientId,
		cfg.Secret,
		cfg.JWTSecret,
		cfg.State,
		cfg.Host,
		cfg.Host+"/auth/callback",
		cfg.Host+"/auth/login",
		[]string{"profile", "email", "groups"},
	)
	return p
}

// Register mounts the login, callback and logout routes.
func (p *CSHProvider) Register(r gin.IRoutes) {
	r.GET("/auth/login", p.auth.AuthRequest)
	r.GET("/auth/callback", p.auth.AuthCallback)
	r.GET("/auth/logout", p.auth.AuthLogout)
}

// Wrap only runs handler for requests carrying a valid session.
func (p *CSHProvider) Wrap(handler gin.HandlerFunc) gin.HandlerFunc {
	return p.auth.AuthWrapper(handler)
}

// CSHSession returns the account of the session attached by Wrap, or nil.
func CSHSession(c *gin.Context) *Account {
	cl, ok := c.Get(cshContextKey)
	if !ok {
		return nil
	}
	claims, ok := cl.(csh_auth.CSHClaims)
	if !ok {
		return nil
	}
	return &Account{
		Id:   claims.UserInfo.Username,
		Name: claims.UserInfo.FullName,
	}
}
