package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds JWT claims: the subject (operator or viewer id) and its role.
// MeetingID optionally pins a viewer token to one meeting.
type Claims struct {
	Role      string `json:"role"`
	MeetingID string `json:"meeting_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
	now         func() time.Time
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	if expireHours <= 0 {
		expireHours = 24
	}
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
		now:         time.Now,
	}
}

// Generate creates a new token for subject with the given role.
func (s *JWTService) Generate(subject, role, meetingID string) (string, error) {
	now := s.now()
	claims := Claims{
		Role:      role,
		MeetingID: meetingID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateViewer accepts viewer and admin tokens and returns the subject.
// Its signature matches realtime.TokenValidator.
func (s *JWTService) ValidateViewer(tokenString string) (string, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Role != RoleViewer && claims.Role != RoleAdmin {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
