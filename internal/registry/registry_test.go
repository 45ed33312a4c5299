package registry

import (
	"sync"
	"testing"

	"integration-service/internal/ledger"
	"integration-service/internal/model"
	"integration-service/pkg/signature"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// In-memory sqlite lives per connection
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Credential{},
		&model.Connection{},
		&model.Delivery{},
	))

	return New(db, zap.NewNop()), db
}

func createCredential(t *testing.T, reg *Registry, params CreateParams) (*model.Credential, string) {
	t.Helper()
	credential, token, err := reg.Create(params)
	require.NoError(t, err)
	return credential, token
}

func TestCreateReturnsTokenOnce(t *testing.T) {
	reg, db := newTestRegistry(t)

	credential, token := createCredential(t, reg, CreateParams{
		OwnerID:          1,
		Name:             "crm sync",
		ConnectionLimit:  3,
		CallbackURL:      "https://example.com/hook",
		SubscribedEvents: []string{model.EventTypeMessage, model.EventTypeStatus},
	})

	assert.NotEmpty(t, token)
	assert.Equal(t, signature.HashToken(token), credential.SecretHash)
	assert.Equal(t, token[:12], credential.DisplayPrefix)
	assert.Equal(t, token[len(token)-4:], credential.DisplaySuffix)
	assert.Equal(t, model.CredentialStatusActive, credential.Status)
	assert.NotEmpty(t, credential.CallbackSecret)
	assert.True(t, credential.SubscribedTo(model.EventTypeMessage))
	assert.False(t, credential.SubscribedTo(model.EventTypeQRCode))

	// The token itself is nowhere in the stored record
	var stored model.Credential
	require.NoError(t, db.First(&stored, "id = ?", credential.ID).Error)
	assert.NotEqual(t, token, stored.SecretHash)
	assert.NotContains(t, stored.SecretHash, token)
}

func TestCreateWithoutCallbackHasNoSecret(t *testing.T) {
	reg, _ := newTestRegistry(t)

	credential, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "no hooks", ConnectionLimit: 1,
	})

	assert.Empty(t, credential.CallbackSecret)
	assert.False(t, credential.HasCallback())
}

func TestAuthenticate(t *testing.T) {
	reg, _ := newTestRegistry(t)

	credential, token := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "auth", ConnectionLimit: 1,
	})

	authed, err := reg.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, credential.ID, authed.ID)
	assert.Equal(t, int64(1), authed.TotalRequests)
	assert.NotNil(t, authed.LastUsedAt)

	// Second authentication keeps counting
	authed, err = reg.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), authed.TotalRequests)
}

func TestAuthenticateUnknownToken(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Authenticate("live_doesnotexist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticateInactiveCredential(t *testing.T) {
	reg, _ := newTestRegistry(t)

	credential, token := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "suspended", ConnectionLimit: 1,
	})
	require.NoError(t, reg.UpdateStatus(credential.ID, model.CredentialStatusSuspended))

	_, err := reg.Authenticate(token)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	reg, _ := newTestRegistry(t)

	credential, oldToken := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "rotate me", ConnectionLimit: 1,
	})

	rotated, newToken, err := reg.Rotate(credential.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)
	assert.Equal(t, credential.ID, rotated.ID)
	assert.Equal(t, signature.HashToken(newToken), rotated.SecretHash)

	// Old token fails closed, new token authenticates
	_, err = reg.Authenticate(oldToken)
	assert.ErrorIs(t, err, ErrNotFound)

	authed, err := reg.Authenticate(newToken)
	require.NoError(t, err)
	assert.Equal(t, credential.ID, authed.ID)
}

func TestConnectionLimitScenario(t *testing.T) {
	reg, _ := newTestRegistry(t)

	credential, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "one slot", ConnectionLimit: 1,
	})

	// First open succeeds
	first, err := reg.OpenConnection(credential.ID, "session-a")
	require.NoError(t, err)

	// Second open is rejected by the limit
	_, err = reg.OpenConnection(credential.ID, "session-b")
	assert.ErrorIs(t, err, ErrLimitExceeded)

	// Releasing the slot makes room again
	require.NoError(t, reg.CloseConnection(credential.ID, first.ID))

	_, err = reg.OpenConnection(credential.ID, "session-c")
	require.NoError(t, err)

	current, err := reg.Get(credential.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.CurrentConnections)
}

func TestOpenConnectionInactiveCredential(t *testing.T) {
	reg, _ := newTestRegistry(t)

	credential, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "off", ConnectionLimit: 5,
	})
	require.NoError(t, reg.UpdateStatus(credential.ID, model.CredentialStatusInactive))

	_, err := reg.OpenConnection(credential.ID, "")
	assert.ErrorIs(t, err, ErrInactive)

	ok, err := reg.CanOpenConnection(credential.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentOpensNeverExceedLimit(t *testing.T) {
	reg, _ := newTestRegistry(t)

	const limit = 3
	credential, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "race", ConnectionLimit: limit,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.OpenConnection(credential.ID, ""); err == nil {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, opened)

	current, err := reg.Get(credential.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, current.CurrentConnections)

	count, err := reg.CountConnections(credential.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), count)
}

func TestDoubleCloseDoesNotGoNegative(t *testing.T) {
	reg, _ := newTestRegistry(t)

	credential, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "double close", ConnectionLimit: 2,
	})

	connection, err := reg.OpenConnection(credential.ID, "")
	require.NoError(t, err)

	require.NoError(t, reg.CloseConnection(credential.ID, connection.ID))
	assert.ErrorIs(t, reg.CloseConnection(credential.ID, connection.ID), ErrNotFound)

	current, err := reg.Get(credential.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.CurrentConnections)
}

func TestCloseConnectionScopedToCredential(t *testing.T) {
	reg, _ := newTestRegistry(t)

	victim, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "victim", ConnectionLimit: 1,
	})
	other, _ := createCredential(t, reg, CreateParams{
		OwnerID: 2, Name: "other", ConnectionLimit: 1,
	})

	connection, err := reg.OpenConnection(victim.ID, "session")
	require.NoError(t, err)

	// A different credential cannot close the victim's connection
	assert.ErrorIs(t, reg.CloseConnection(other.ID, connection.ID), ErrNotFound)

	current, err := reg.Get(victim.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.CurrentConnections)

	count, err := reg.CountConnections(victim.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The owning credential still can
	require.NoError(t, reg.CloseConnection(victim.ID, connection.ID))
}

func TestRepairConnectionCount(t *testing.T) {
	reg, db := newTestRegistry(t)

	credential, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "drifted", ConnectionLimit: 5,
	})

	_, err := reg.OpenConnection(credential.ID, "")
	require.NoError(t, err)

	// Simulate counter drift
	require.NoError(t, db.Model(&model.Credential{}).
		Where("id = ?", credential.ID).
		Update("current_connections", 4).Error)

	count, err := reg.RepairConnectionCount(credential.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	current, err := reg.Get(credential.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.CurrentConnections)
}

func TestDeleteCascades(t *testing.T) {
	reg, db := newTestRegistry(t)

	credential, _ := createCredential(t, reg, CreateParams{
		OwnerID: 1, Name: "doomed", ConnectionLimit: 2,
		CallbackURL:      "https://example.com/hook",
		SubscribedEvents: []string{model.EventTypeMessage},
	})

	connection, err := reg.OpenConnection(credential.ID, "")
	require.NoError(t, err)

	led := ledger.New(db, zap.NewNop(), 5, 1000)
	delivery, err := led.Enqueue(credential.ID, model.EventTypeMessage, `{}`)
	require.NoError(t, err)

	require.NoError(t, reg.Delete(credential.ID))

	_, err = reg.Get(credential.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var connCount int64
	require.NoError(t, db.Model(&model.Connection{}).
		Where("id = ?", connection.ID).Count(&connCount).Error)
	assert.Zero(t, connCount)

	var stored model.Delivery
	require.NoError(t, db.First(&stored, "id = ?", delivery.ID).Error)
	assert.Equal(t, model.DeliveryStatusFailed, stored.Status)
	assert.Equal(t, "credential deleted", stored.ErrorMessage)
}

func TestListScopedToOwner(t *testing.T) {
	reg, _ := newTestRegistry(t)

	createCredential(t, reg, CreateParams{OwnerID: 1, Name: "mine", ConnectionLimit: 1})
	createCredential(t, reg, CreateParams{OwnerID: 2, Name: "theirs", ConnectionLimit: 1})

	credentials, err := reg.List(1)
	require.NoError(t, err)
	require.Len(t, credentials, 1)
	assert.Equal(t, "mine", credentials[0].Name)
}
