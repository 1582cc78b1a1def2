package user

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chatsync/internal/media"
	"chatsync/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// ValidationError is a client mistake; its message is safe to show.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

const minPasswordLen = 6

// Store is the persistence the service needs; *Repository satisfies it.
type Store interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListOthers(ctx context.Context, excludeID string) ([]User, error)
	UpdateProfilePic(ctx context.Context, id, pic string) (*User, error)
}

type Service struct {
	repo      Store
	jwtSecret string
	tokenTTL  time.Duration
	maxImage  int
}

type Claims struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 7 * 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		tokenTTL:  tokenTTL,
		maxImage:  media.DefaultMaxImageBytes,
	}
}

func (s *Service) TokenTTL() time.Duration { return s.tokenTTL }

func (s *Service) Signup(ctx context.Context, req model.SignupRequest) (*User, string, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.FullName == "" || req.Email == "" || req.Password == "" {
		return nil, "", &ValidationError{Message: "All fields are required"}
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, "", &ValidationError{Message: "Invalid email format"}
	}
	if len(req.Password) < minPasswordLen {
		return nil, "", &ValidationError{Message: fmt.Sprintf("Password must be at least %d characters", minPasswordLen)}
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	u, err := s.repo.CreateUser(ctx, &User{
		ID:       uuid.NewString(),
		FullName: req.FullName,
		Email:    req.Email,
		Password: string(hashedPwd),
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, "", &ValidationError{Message: "Email already exists"}
		}
		return nil, "", err
	}

	token, err := s.issue(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

func (s *Service) Login(ctx context.Context, creds model.Credentials) (*User, string, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(creds.Email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(creds.Password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issue(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

func (s *Service) issue(u *User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       u.ID,
		FullName: u.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chatsync",
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.ID == "" {
		return "", "", ErrInvalidToken
	}
	return claims.ID, claims.FullName, nil
}

func (s *Service) Me(ctx context.Context, id string) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *Service) Contacts(ctx context.Context, id string) ([]model.Contact, error) {
	users, err := s.repo.ListOthers(ctx, id)
	if err != nil {
		return nil, err
	}
	contacts := make([]model.Contact, 0, len(users))
	for i := range users {
		contacts = append(contacts, users[i].Contact())
	}
	return contacts, nil
}

func (s *Service) UpdateProfilePic(ctx context.Context, id, pic string) (*User, error) {
	if pic == "" {
		return nil, &ValidationError{Message: "Profile pic is required"}
	}
	if !media.IsImageDataURL(pic) {
		return nil, &ValidationError{Message: "Profile pic must be an image"}
	}
	if err := media.CheckImage(pic, s.maxImage); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	return s.repo.UpdateProfilePic(ctx, id, pic)
}
