package service

import (
	"buttonsync/internal/model"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrTokenScope   = errors.New("token not valid for this session")
)

// initiatorTokenGrace keeps the token usable a little past session expiry
const initiatorTokenGrace = 10 * time.Minute

// AuthService issues and checks initiator tokens
type AuthService struct {
	jwtSecret []byte
	clock     clockwork.Clock
}

// NewAuthService creates a new auth service
func NewAuthService(secret string, clock clockwork.Clock) *AuthService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuthService{
		jwtSecret: []byte(secret),
		clock:     clock,
	}
}

// GenerateInitiatorToken creates a session-scoped token for whoever minted the session
func (s *AuthService) GenerateInitiatorToken(session *model.Session) (string, error) {
	claims := &model.InitiatorClaims{
		SessionID: session.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.clock.Now()),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt.Add(initiatorTokenGrace)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateInitiatorToken validates an initiator JWT and returns claims
func (s *AuthService) ValidateInitiatorToken(tokenString string) (*model.InitiatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &model.InitiatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*model.InitiatorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// AuthorizeReset checks that the token was issued for code
func (s *AuthService) AuthorizeReset(tokenString, code string) error {
	claims, err := s.ValidateInitiatorToken(tokenString)
	if err != nil {
		return err
	}
	if claims.SessionID != code {
		return ErrTokenScope
	}
	return nil
}
