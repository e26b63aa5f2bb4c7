package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/store"
)

func TestUpsertUser(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	err := testStore.UpsertUser(&models.User{ID: "u1", Username: "alice"})
	require.NoError(t, err)

	err = testStore.UpsertUser(&models.User{ID: "u1", Username: "alice", DisplayName: "Alice A", PhotoURL: "http://x/a.png"})
	require.NoError(t, err)

	user, err := testStore.GetUserByID("u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice A", user.DisplayName)
	assert.Equal(t, "http://x/a.png", user.PhotoURL)

	assert.Error(t, testStore.UpsertUser(&models.User{Username: "noid"}))
}

func TestGetUserByIDNotFound(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	_, err := testStore.GetUserByID("nonexistent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchUsers(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	testStore.UpsertUser(&models.User{ID: "1", Username: "alice"})
	testStore.UpsertUser(&models.User{ID: "2", Username: "bob", DisplayName: "Bob Allen"})
	testStore.UpsertUser(&models.User{ID: "3", Username: "Alex"})
	testStore.UpsertUser(&models.User{ID: "4", Username: "carol"})

	users, err := testStore.SearchUsers("al")
	require.NoError(t, err)
	assert.Len(t, users, 3)
}
