package sqlstore

import (
	"context"
	"sync"
	"testing"

	"github.com/osail-liaso/relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestCreateAndFindAccount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.CreateAccount(ctx, models.AccountInput{
		Username:         "ada",
		Roles:            []string{"user", "admin"},
		CharacterReserve: 500,
		APIKeys:          map[string]string{models.ProviderAzureOpenAI: "az"},
		AzureEndpoint:    "https://acct.openai.azure.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	found, err := s.FindAccountByUsername(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, []string{"user", "admin"}, found.Roles)
	assert.Equal(t, 500, found.CharacterReserve)
	assert.Equal(t, "az", found.KeyFor(models.ProviderAzureOpenAI))
	assert.Equal(t, "https://acct.openai.azure.com", found.AzureEndpoint)

	byID, err := s.GetAccount(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", byID.Username)
}

func TestCreateAccountWithoutKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateAccount(ctx, models.AccountInput{Username: "grace", CharacterReserve: 10})
	require.NoError(t, err)

	found, err := s.FindAccountByUsername(ctx, "grace")
	require.NoError(t, err)
	assert.Empty(t, found.APIKeys)
	assert.Empty(t, found.Roles)
	assert.Equal(t, "", found.KeyFor(models.ProviderOpenAI))
}

func TestCreateAccountDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateAccount(ctx, models.AccountInput{Username: "ada"})
	require.NoError(t, err)

	_, err = s.CreateAccount(ctx, models.AccountInput{Username: "ada"})
	assert.ErrorIs(t, err, models.ErrAccountExists)
}

func TestFindAccountNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FindAccountByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	_, err = s.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestIncrementUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	acct, err := s.CreateAccount(ctx, models.AccountInput{Username: "ada", CharacterReserve: 1000})
	require.NoError(t, err)

	require.NoError(t, s.IncrementUsage(ctx, acct.ID, models.UsagePlatform, 12))
	require.NoError(t, s.IncrementUsage(ctx, acct.ID, models.UsageOwnKey, 7))
	require.NoError(t, s.IncrementUsage(ctx, acct.ID, models.UsagePlatform, 3))

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.CharactersUsed)
	assert.Equal(t, 7, got.OwnCharactersUsed)

	assert.Error(t, s.IncrementUsage(ctx, acct.ID, models.UsageField("bogus"), 1))
	assert.ErrorIs(t, s.IncrementUsage(ctx, "missing", models.UsagePlatform, 1), models.ErrAccountNotFound)
}

func TestIncrementUsageConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	acct, err := s.CreateAccount(ctx, models.AccountInput{Username: "ada"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementUsage(ctx, acct.ID, models.UsagePlatform, 2))
		}()
	}
	wg.Wait()

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.CharactersUsed, "no lost updates")
}
