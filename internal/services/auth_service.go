package services

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/config"
)

const RoleAdmin = "admin"

// AuthService is the admin identity adapter. There is a single configured
// admin; signing parties authenticate with their link token instead.
type AuthService struct {
	config *config.Config
	now    func() time.Time
}

func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{config: cfg, now: time.Now}
}

// JWT Claims
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// HashPassword creates a bcrypt hash of the password
func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares a password with a hash
func (s *AuthService) CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateToken issues an admin JWT for email.
func (s *AuthService) GenerateToken(email string) (string, time.Time, error) {
	now := s.now()
	expirationTime := now.Add(time.Duration(s.config.JWTExpiration) * time.Hour)

	claims := &Claims{
		Email: email,
		Role:  RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.config.AppName,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	return signed, expirationTime, err
}

// ValidateToken validates a JWT token and returns the claims
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithIssuer(s.config.AppName), jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// Login checks the configured admin credentials and returns a token.
func (s *AuthService) Login(email, password string) (string, time.Time, error) {
	invalid := apperrors.NewAuthorization(apperrors.CodeUnauthorized, "invalid credentials")

	if s.config.AdminPasswordHash == "" {
		return "", time.Time{}, invalid
	}
	emailOK := subtle.ConstantTimeCompare(
		[]byte(strings.ToLower(strings.TrimSpace(email))),
		[]byte(strings.ToLower(s.config.AdminEmail)),
	) == 1
	// Always run bcrypt so a wrong email costs the same as a wrong password.
	passwordOK := s.CheckPassword(password, s.config.AdminPasswordHash)
	if !emailOK || !passwordOK {
		return "", time.Time{}, invalid
	}

	return s.GenerateToken(s.config.AdminEmail)
}
