package postgres

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
)

// JWTAuth accepts a signed JWT as the password. The token's "sub" claim,
// or "name" when "sub" is absent, must match the connecting user.
type JWTAuth struct {
	// Secret is the shared secret for HMAC-signed tokens.
	Secret string

	// Issuer is the expected "iss" claim (optional).
	Issuer string

	// Audience is the expected "aud" claim (optional).
	Audience string
}

// Authenticate validates password as a token for user.
func (a *JWTAuth) Authenticate(user, password string) error {
	if a.Secret == "" {
		return authErr(user, "authentication not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}

	token, err := jwt.Parse(password, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.Secret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return authErr(user, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return authErr(user, "invalid token claims")
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		subject, _ = claims["name"].(string)
	}
	if subject != user {
		return authErr(user, "token subject does not match user")
	}
	return nil
}

func authErr(user, reason string) error {
	return pmerrors.Newf(pmerrors.ErrCodeAuthFailed,
		"password authentication failed for user %q", user).
		WithOp("JWTAuth.Authenticate").
		WithField("user", user).
		WithField("reason", reason).
		Err()
}
