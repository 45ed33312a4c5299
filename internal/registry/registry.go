package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"integration-service/internal/model"
	"integration-service/pkg/signature"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Caller-recoverable errors. Handlers map these to HTTP responses.
var (
	ErrNotFound      = errors.New("credential not found")
	ErrInactive      = errors.New("credential is not active")
	ErrLimitExceeded = errors.New("connection limit exceeded")
)

// Registry manages API credentials and the connections leased under them
type Registry struct {
	db  *gorm.DB
	log *zap.Logger
}

// New creates a credential registry
func New(db *gorm.DB, log *zap.Logger) *Registry {
	return &Registry{db: db, log: log}
}

// CreateParams holds the owner-supplied fields for a new credential
type CreateParams struct {
	OwnerID          uint
	Name             string
	ConnectionLimit  int
	CallbackURL      string
	SubscribedEvents []string
}

// Create allocates a new credential and returns it together with the plaintext
// token. This is the only call site where the token is observable; only its
// hash is persisted.
func (r *Registry) Create(params CreateParams) (*model.Credential, string, error) {
	token, hash, prefix, suffix, err := signature.GenerateToken()
	if err != nil {
		return nil, "", err
	}

	credential := model.Credential{
		OwnerID:          params.OwnerID,
		Name:             params.Name,
		SecretHash:       hash,
		DisplayPrefix:    prefix,
		DisplaySuffix:    suffix,
		ConnectionLimit:  params.ConnectionLimit,
		CallbackURL:      params.CallbackURL,
		SubscribedEvents: strings.Join(params.SubscribedEvents, ","),
		Status:           model.CredentialStatusActive,
	}

	// The callback secret is generated once, only when a callback URL is set
	if params.CallbackURL != "" {
		secret, err := signature.GenerateSecret()
		if err != nil {
			return nil, "", err
		}
		credential.CallbackSecret = secret
	}

	if err := r.db.Create(&credential).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create credential: %w", err)
	}

	r.log.Info("Credential created",
		zap.String("credential_id", credential.ID),
		zap.Uint("owner_id", credential.OwnerID))

	return &credential, token, nil
}

// Rotate regenerates the token for an existing credential. The previous token
// becomes invalid the moment the new hash is stored.
func (r *Registry) Rotate(id string) (*model.Credential, string, error) {
	credential, err := r.Get(id)
	if err != nil {
		return nil, "", err
	}

	token, hash, prefix, suffix, err := signature.GenerateToken()
	if err != nil {
		return nil, "", err
	}

	updates := map[string]interface{}{
		"secret_hash":    hash,
		"display_prefix": prefix,
		"display_suffix": suffix,
	}
	if err := r.db.Model(credential).Updates(updates).Error; err != nil {
		return nil, "", fmt.Errorf("failed to rotate credential: %w", err)
	}
	credential.SecretHash = hash
	credential.DisplayPrefix = prefix
	credential.DisplaySuffix = suffix

	r.log.Info("Credential rotated", zap.String("credential_id", credential.ID))

	return credential, token, nil
}

// Authenticate resolves a plaintext token to its credential. On success the
// usage counters are updated.
func (r *Registry) Authenticate(token string) (*model.Credential, error) {
	hash := signature.HashToken(token)

	var credential model.Credential
	if err := r.db.Where("secret_hash = ?", hash).First(&credential).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if !credential.IsActive() {
		return nil, ErrInactive
	}

	now := time.Now()
	if err := r.db.Model(&credential).Updates(map[string]interface{}{
		"total_requests": gorm.Expr("total_requests + 1"),
		"last_used_at":   now,
	}).Error; err != nil {
		// Usage accounting must not fail the authentication itself
		r.log.Warn("Failed to update credential usage counters",
			zap.String("credential_id", credential.ID), zap.Error(err))
	}
	credential.TotalRequests++
	credential.LastUsedAt = &now

	return &credential, nil
}

// Get loads a credential by id
func (r *Registry) Get(id string) (*model.Credential, error) {
	var credential model.Credential
	if err := r.db.First(&credential, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &credential, nil
}

// List returns all credentials for an owner, newest first
func (r *Registry) List(ownerID uint) ([]model.Credential, error) {
	var credentials []model.Credential
	if err := r.db.Where("owner_id = ?", ownerID).
		Order("created_at DESC").Find(&credentials).Error; err != nil {
		return nil, err
	}
	return credentials, nil
}

// CountActive returns the number of active credentials
func (r *Registry) CountActive() (int64, error) {
	var count int64
	err := r.db.Model(&model.Credential{}).
		Where("status = ?", model.CredentialStatusActive).Count(&count).Error
	return count, err
}

// UpdateStatus sets the credential status (active, inactive, suspended)
func (r *Registry) UpdateStatus(id, status string) error {
	result := r.db.Model(&model.Credential{}).Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a credential. Open connections are closed and deliveries
// still pending for it are marked failed so the dispatcher stops picking
// them up.
func (r *Registry) Delete(id string) error {
	credential, err := r.Get(id)
	if err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("credential_id = ?", id).
			Delete(&model.Connection{}).Error; err != nil {
			return err
		}

		if err := tx.Model(&model.Delivery{}).
			Where("credential_id = ? AND status IN ?", id,
				[]string{model.DeliveryStatusPending, model.DeliveryStatusRetrying}).
			Updates(map[string]interface{}{
				"status":        model.DeliveryStatusFailed,
				"next_retry_at": nil,
				"error_message": "credential deleted",
			}).Error; err != nil {
			return err
		}

		if err := tx.Delete(credential).Error; err != nil {
			return err
		}

		r.log.Info("Credential deleted", zap.String("credential_id", id))
		return nil
	})
}

// CanOpenConnection reports whether the credential could currently lease one
// more connection. The answer is advisory only; OpenConnection performs the
// authoritative atomic check.
func (r *Registry) CanOpenConnection(id string) (bool, error) {
	credential, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return credential.IsActive() &&
		credential.CurrentConnections < credential.ConnectionLimit, nil
}

// OpenConnection leases a connection slot under the credential. The limit
// check and the counter increment are a single conditional UPDATE so that
// concurrent opens can never exceed the limit.
func (r *Registry) OpenConnection(credentialID, metadata string) (*model.Connection, error) {
	var connection model.Connection

	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Credential{}).
			Where("id = ? AND status = ? AND current_connections < connection_limit",
				credentialID, model.CredentialStatusActive).
			Update("current_connections", gorm.Expr("current_connections + 1"))
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			// Slot reservation failed; figure out which error to surface
			var credential model.Credential
			if err := tx.First(&credential, "id = ?", credentialID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if !credential.IsActive() {
				return ErrInactive
			}
			return ErrLimitExceeded
		}

		connection = model.Connection{
			CredentialID: credentialID,
			Metadata:     metadata,
		}
		return tx.Create(&connection).Error
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Connection opened",
		zap.String("connection_id", connection.ID),
		zap.String("credential_id", credentialID))

	return &connection, nil
}

// CloseConnection releases a connection leased by the given credential and
// decrements the counter, floored at zero. A stray double-close must not make
// the counter negative. Connections of other credentials are invisible here:
// closing one fails with ErrNotFound.
func (r *Registry) CloseConnection(credentialID, connectionID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var connection model.Connection
		if err := tx.First(&connection, "id = ? AND credential_id = ?",
			connectionID, credentialID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if err := tx.Delete(&connection).Error; err != nil {
			return err
		}

		return tx.Model(&model.Credential{}).
			Where("id = ? AND current_connections > 0", connection.CredentialID).
			Update("current_connections", gorm.Expr("current_connections - 1")).Error
	})
}

// CountConnections returns the authoritative connection count from the
// connection records, independent of the cached counter on the credential.
func (r *Registry) CountConnections(credentialID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.Connection{}).
		Where("credential_id = ?", credentialID).Count(&count).Error
	return count, err
}

// RepairConnectionCount resets the cached counter to the authoritative count
// and returns it. Used to recover from drift between the two.
func (r *Registry) RepairConnectionCount(credentialID string) (int64, error) {
	count, err := r.CountConnections(credentialID)
	if err != nil {
		return 0, err
	}

	result := r.db.Model(&model.Credential{}).Where("id = ?", credentialID).
		Update("current_connections", count)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotFound
	}

	r.log.Info("Connection count repaired",
		zap.String("credential_id", credentialID), zap.Int64("count", count))

	return count, nil
}
