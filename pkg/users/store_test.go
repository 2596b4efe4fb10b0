package users

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewStore(db)
	s.cost = bcrypt.MinCost
	require.NoError(t, s.AutoMigrate())
	return s
}

func validInput(username string) RegisterInput {
	return RegisterInput{
		Username: username,
		Email:    username + "@farm.example",
		Password: "correct horse",
		Role:     "farmer",
	}
}

func TestStore_Register(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, validInput("alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice", u.Address, "address defaults to username")
	assert.NotEqual(t, "correct horse", u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("correct horse")))

	in := validInput("bob")
	in.Address = "0xB0B"
	in.Role = " Distributor "
	u, err = s.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "0xB0B", u.Address)
	assert.Equal(t, "distributor", u.Role)
}

func TestStore_RegisterConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, validInput("alice"))
	require.NoError(t, err)

	_, err = s.Register(ctx, validInput("alice"))
	assert.ErrorIs(t, err, ErrConflict)

	in := validInput("alice2")
	in.Email = "ALICE@farm.example"
	_, err = s.Register(ctx, in)
	assert.ErrorIs(t, err, ErrConflict, "email comparison ignores case")
}

func TestStore_RegisterValidation(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name   string
		mutate func(*RegisterInput)
	}{
		{"missing username", func(in *RegisterInput) { in.Username = " " }},
		{"bad email", func(in *RegisterInput) { in.Email = "not-an-email" }},
		{"short password", func(in *RegisterInput) { in.Password = "short" }},
		{"unknown role", func(in *RegisterInput) { in.Role = "miller" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput("carol")
			tt.mutate(&in)
			_, err := s.Register(context.Background(), in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestStore_Authenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, validInput("alice"))
	require.NoError(t, err)

	u, err := s.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	u, err = s.Authenticate(ctx, "Alice@Farm.example", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = s.Authenticate(ctx, "alice", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Authenticate(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestStore_GetByAddress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, validInput("alice"))
	require.NoError(t, err)

	u, err := s.GetByAddress(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)

	u, err = s.GetByAddress(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestStore_RegisterAddressConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, validInput("alice"))
	require.NoError(t, err)
	in := validInput("bob")
	in.Address = "0xB0B"
	_, err = s.Register(ctx, in)
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		address  string
	}{
		{"address equals existing address", "mallory", "0xB0B"},
		{"address equals existing username", "mallory", "alice"},
		{"username equals existing address", "0xB0B", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(tt.username)
			in.Address = tt.address
			_, err := s.Register(ctx, in)
			assert.ErrorIs(t, err, ErrConflict)
		})
	}

	u, err := s.GetByAddress(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}
