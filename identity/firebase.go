package identity

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseVerifier verifies Firebase Authentication ID tokens.
type FirebaseVerifier struct {
	client idTokenVerifier
}

// NewFirebaseVerifier initializes a Firebase app from a service account given
// either as a JSON document or as a file path. credentialsJSON wins when both are set.
func NewFirebaseVerifier(ctx context.Context, credentialsJSON, credentialsFile string) (*FirebaseVerifier, error) {
	var opt option.ClientOption
	switch {
	case credentialsJSON != "":
		opt = option.WithCredentialsJSON([]byte(credentialsJSON))
	case credentialsFile != "":
		opt = option.WithCredentialsFile(credentialsFile)
	default:
		return nil, errors.New("missing firebase credentials")
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase auth: %w", err)
	}

	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, credential string) (*Account, error) {
	token, err := v.client.VerifyIDToken(ctx, credential)
	if err != nil {
		if auth.IsIDTokenExpired(err) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	account := &Account{Id: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		account.Email = email
	}
	if name, ok := token.Claims["name"].(string); ok {
		account.Name = name
	}
	return account, nil
}
