// Package auth issues and validates bearer credentials. It is the only place
// that sees passwords; the rest of the service trusts the token claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vantex/exchange/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// UserStore persists and looks up users.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Claims is the JWT payload carried by every authenticated request.
type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles registration, login and token validation.
type Service struct {
	store    UserStore
	secret   []byte
	tokenTTL time.Duration
}

// NewService creates an auth service signing tokens with the given secret.
func NewService(store UserStore, secret string, tokenTTL time.Duration) *Service {
	return &Service{store: store, secret: []byte(secret), tokenTTL: tokenTTL}
}

// ValidatePassword enforces the password policy: 8-128 characters with at
// least one uppercase letter and one digit.
func ValidatePassword(password string) error {
	if len(password) < 8 || len(password) > 128 {
		return fmt.Errorf("%w: password must be 8-128 characters", models.ErrValidation)
	}
	var hasUpper, hasDigit bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	if !hasUpper {
		return fmt.Errorf("%w: password must contain an uppercase letter", models.ErrValidation)
	}
	if !hasDigit {
		return fmt.Errorf("%w: password must contain a digit", models.ErrValidation)
	}
	return nil
}

// Register creates a new user with the "user" role.
func (s *Service) Register(ctx context.Context, email, password, username, phone string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", models.ErrValidation)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", models.ErrValidation)
	}
	if username == "" {
		username = email[:strings.Index(email, "@")]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, &models.User{
		Email:        email,
		Username:     username,
		Phone:        phone,
		PasswordHash: string(hash),
		Role:         RoleUser,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and returns a signed bearer token. The login
// form's username field carries the email.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", fmt.Errorf("%w: invalid credentials", models.ErrForbidden)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("%w: invalid credentials", models.ErrForbidden)
	}
	return s.IssueToken(user)
}

// IssueToken signs a token for an already-authenticated user.
func (s *Service) IssueToken(user *models.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: user.ID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseToken validates a bearer token and returns its claims.
func (s *Service) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid or expired token: %w", err)
	}
	return claims, nil
}

// CurrentUser loads the user behind a set of claims.
func (s *Service) CurrentUser(ctx context.Context, claims *Claims) (*models.User, error) {
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user %d", models.ErrNotFound, claims.UserID)
	}
	return user, nil
}
