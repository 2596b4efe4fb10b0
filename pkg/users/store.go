package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

var (
	// ErrValidation marks missing or malformed registration input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when the username, email or address is taken.
	ErrConflict = errors.New("user already exists")
	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const minPasswordLength = 8

var knownRoles = mapset.NewSet(
	authz.RoleFarmer,
	authz.RoleDistributor,
	authz.RoleRetailer,
	authz.RoleInspector,
	authz.RoleAdmin,
)

// Store persists users.
type Store struct {
	db   *gorm.DB
	cost int
}

// NewStore creates a Store hashing passwords at bcrypt.DefaultCost.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, cost: bcrypt.DefaultCost}
}

// AutoMigrate creates the users table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&User{})
}

// RegisterInput is the data needed to create an account.
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Address  string `json:"address,omitempty"`
}

// CustomAddress reports whether in asks for an address other than its
// username.
func (in RegisterInput) CustomAddress() bool {
	addr := strings.TrimSpace(in.Address)
	return addr != "" && addr != strings.TrimSpace(in.Username)
}

func (in *RegisterInput) normalize() error {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	in.Address = strings.TrimSpace(in.Address)

	if in.Username == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return fmt.Errorf("%w: email is invalid", ErrValidation)
	}
	if len(in.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	if !knownRoles.Contains(in.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, in.Role)
	}
	if in.Address == "" {
		in.Address = in.Username
	}
	return nil
}

// Register validates in, hashes the password and stores the user.
func (s *Store) Register(ctx context.Context, in RegisterInput) (*User, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: string(hash),
		Role:         in.Role,
		Address:      in.Address,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		// Usernames and addresses share one namespace: an address that
		// names another account would pass its custody checks.
		names := []string{u.Username, u.Address}
		if err := tx.Model(&User{}).
			Where("username IN ? OR address IN ? OR email = ?", names, names, u.Email).
			Count(&n).Error; err != nil {
			return fmt.Errorf("check existing user: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: username, email or address already registered", ErrConflict)
		}
		if err := tx.Create(u).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: username, email or address already registered", ErrConflict)
			}
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate returns the user when password matches. Lookup is by
// username or email.
func (s *Store) Authenticate(ctx context.Context, login, password string) (*User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	var u User
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", login, strings.ToLower(login)).
		First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// GetByAddress returns the user with the given custodian address, or nil.
func (s *Store) GetByAddress(ctx context.Context, address string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &u, nil
}
