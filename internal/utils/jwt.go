package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "tempverify"

type accessClaims struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed access token for the user.
func GenerateToken(secret string, userID uuid.UUID, plan string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &accessClaims{
		UserID: userID.String(),
		Plan:   plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Claims is the identity an access token carries. Plan reflects the user's
// plan when the token was issued.
type Claims struct {
	UserID uuid.UUID
	Plan   string
}

// ParseToken validates the token and returns its identity. Only HS256 tokens
// from this issuer are accepted.
func ParseToken(secret, tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &accessClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, err
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return Claims{}, jwt.ErrTokenInvalidClaims
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil || claims.Subject != claims.UserID {
		return Claims{}, jwt.ErrTokenInvalidClaims
	}
	return Claims{UserID: userID, Plan: claims.Plan}, nil
}
