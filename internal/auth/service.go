// internal/auth/service.go
// Issues and validates the bearer credentials carried on every chat request

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartbuild/chat-backend/internal/common/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// Service handles authentication
type Service interface {
	Register(ctx context.Context, req *RegisterRequest) (*TokenResponse, error)
	Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error)
	ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
}

type service struct {
	repo        Repository
	jwtSecret   string
	bcryptCost  int
	tokenExpiry time.Duration
}

func NewService(repo Repository, jwtSecret string, bcryptCost int, tokenExpiry time.Duration) Service {
	return &service{
		repo:        repo,
		jwtSecret:   jwtSecret,
		bcryptCost:  bcryptCost,
		tokenExpiry: tokenExpiry,
	}
}

func (s *service) Register(ctx context.Context, req *RegisterRequest) (*TokenResponse, error) {
	if _, err := s.repo.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = "CUSTOMER"
	}

	user := &User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		Name:         req.Name,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	return s.issueToken(user)
}

func (s *service) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.issueToken(user)
}

func (s *service) ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error) {
	return utils.ValidateJWT(token, s.jwtSecret)
}

func (s *service) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *service) issueToken(user *User) (*TokenResponse, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenExpiry)

	token, err := utils.GenerateJWT(&utils.JWTClaims{
		UserID:    user.ID,
		Name:      user.Name,
		Role:      user.Role,
		ExpiresAt: expiresAt.Unix(),
		IssuedAt:  now.Unix(),
		Issuer:    "smartbuild-chat",
	}, s.jwtSecret)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	}, nil
}
