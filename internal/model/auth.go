package model

import "github.com/golang-jwt/jwt/v5"

// InitiatorClaims are JWT claims proving the bearer minted the session
type InitiatorClaims struct {
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}
