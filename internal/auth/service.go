package auth

import (
	"context"
	"errors"
	"fmt"
)

// Service wraps the user repository with the credential and account
// operations the API exposes.
type Service struct {
	users UserRepository
}

// NewService creates an auth service backed by a user repository.
func NewService(users UserRepository) *Service {
	return &Service{users: users}
}

// Authenticate verifies a username/password pair.
//
// Unknown usernames and wrong passwords both return
// ErrInvalidCredentials so a caller cannot probe for valid accounts.
//
// Parameters:
//   - ctx: Context for the lookup
//   - username: Account username
//   - password: Plaintext password
//
// Returns:
//   - *User: The authenticated account
//   - error: ErrInvalidCredentials on any mismatch
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// CreateUser registers a new account with a hashed password.
func (s *Service) CreateUser(ctx context.Context, username, password string, role Role) (*User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword replaces an account's password after policy checks.
func (s *Service) ChangePassword(ctx context.Context, userID, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return s.users.UpdatePassword(ctx, userID, hash)
}

// User retrieves an account by ID.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// Users lists all accounts.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	return s.users.List(ctx)
}

// DeleteUser removes an account.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.users.Delete(ctx, id)
}
