package auth

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/pkg/errors"
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	User      models.UserSummary
	SessionID string
}

// Authenticator resolves bearer tokens into live identities backed by the
// user table.
type Authenticator struct {
	jwt *JWTService
	db  *gorm.DB
}

// NewAuthenticator wires token validation to the user store.
func NewAuthenticator(jwt *JWTService, db *gorm.DB) *Authenticator {
	return &Authenticator{jwt: jwt, db: db}
}

// ValidateToken parses the token without touching the user store. Used where
// only claim ownership matters, such as self-initiated session termination.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	if a == nil || a.jwt == nil {
		return nil, errors.ErrInternalServer
	}

	claims, err := a.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, errors.ErrInvalidToken.WithInternal(err)
	}
	return claims, nil
}

// Authenticate validates the token and loads the user it names. The session
// ID travels with the identity so duplicate-session resolution can tell
// re-connections of the same session apart from competing logins.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if a == nil || a.jwt == nil {
		return Identity{}, errors.ErrInternalServer
	}

	claims, err := a.jwt.ValidateAccessToken(token)
	if err != nil {
		return Identity{}, errors.ErrInvalidToken.WithInternal(err)
	}

	var user models.User
	if err := a.db.WithContext(ctx).Take(&user, "id = ?", claims.UserID).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, errors.ErrUnauthorized
		}
		return Identity{}, errors.ErrInternalServer.WithInternal(err)
	}

	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = claims.ID
	}

	return Identity{User: user.Summary(), SessionID: sessionID}, nil
}
