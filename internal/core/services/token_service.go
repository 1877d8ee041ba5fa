package services

import (
	"errors"
	"time"

	"docroom/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenService issues bearer tokens for the local control API.
type TokenService interface {
	GenerateToken(participantID domain.ParticipantID, displayName string, room domain.RoomID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	DisplayName   string               `json:"display_name"`
	RoomID        domain.RoomID        `json:"room_id,omitempty"`
	jwt.RegisteredClaims
}

type tokenService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewTokenService(jwtSecret string, tokenTTL time.Duration) TokenService {
	return &tokenService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

func (s *tokenService) GenerateToken(participantID domain.ParticipantID, displayName string, room domain.RoomID) (string, error) {
	now := time.Now()
	claims := &Claims{
		ParticipantID: participantID,
		DisplayName:   displayName,
		RoomID:        room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participantID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *tokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
