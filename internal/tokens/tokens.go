// Package tokens issues and validates caller tokens.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/GeminiRelay/internal/kv"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"github.com/router-for-me/GeminiRelay/internal/security"
	"github.com/router-for-me/GeminiRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

// Token errors.
var (
	ErrInvalidValidity = errors.New("validityDays must be a positive number of days")
	ErrInvalidSource   = errors.New("unknown token source")
	ErrInvalidExpiry   = errors.New("expiryDays must be between -36500 and 36500")
	ErrConflict        = errors.New("caller token changed concurrently, retry")
)

// MaxValidityDays caps the validity of a single issue and the size of one expiry delta.
const MaxValidityDays = 36500

// ValidExpiryDelta reports whether days may be added to an expiry in one update.
func ValidExpiryDelta(days int) bool {
	return days >= -MaxValidityDays && days <= MaxValidityDays
}

const (
	maxUpdateAttempts = 5
	storagePrefix     = "api_key"
)

// StorageKey returns the storage key of a caller token.
func StorageKey(token string) string { return kv.Key(storagePrefix, token) }

// Listed pairs a token value with its record.
type Listed struct {
	Key  string             `json:"key"`
	Info models.CallerToken `json:"info"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithSystemToken enables an always-valid administrative token. Empty disables it.
func WithSystemToken(token string) Option {
	return func(m *Manager) { m.systemToken = token }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns caller token records.
type Manager struct {
	store       kv.Store
	systemToken string
	now         func() time.Time
}

// New builds a Manager over store.
func New(store kv.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsSystemToken reports whether token is the configured bypass token.
func (m *Manager) IsSystemToken(token string) bool {
	return m.systemToken != "" && security.SecretMatches(m.systemToken, token)
}

// Prepare generates a token value and its record without writing anything.
// No collision check is made: 39 characters over 62 symbols keep collisions negligible.
func (m *Manager) Prepare(validityDays int, source models.TokenSource, note string) (string, models.CallerToken, error) {
	if validityDays <= 0 || validityDays > MaxValidityDays {
		return "", models.CallerToken{}, ErrInvalidValidity
	}
	if !source.Valid() {
		return "", models.CallerToken{}, ErrInvalidSource
	}
	token, errGenerate := security.GenerateCallerToken()
	if errGenerate != nil {
		return "", models.CallerToken{}, errGenerate
	}
	nowMs := m.now().UnixMilli()
	return token, models.CallerToken{
		CreatedAt: nowMs,
		ExpiresAt: nowMs + int64(validityDays)*models.DayMillis,
		Active:    true,
		Source:    source,
		Note:      note,
	}, nil
}

// Create issues and stores a new token.
func (m *Manager) Create(ctx context.Context, validityDays int, source models.TokenSource, note string) (string, models.CallerToken, error) {
	token, record, errPrepare := m.Prepare(validityDays, source, note)
	if errPrepare != nil {
		return "", models.CallerToken{}, errPrepare
	}
	if errSet := kv.SetJSON(ctx, m.store, StorageKey(token), record); errSet != nil {
		return "", models.CallerToken{}, fmt.Errorf("tokens: store: %w", errSet)
	}
	log.WithFields(log.Fields{
		"token":  util.HideAPIKey(token),
		"source": source,
	}).Info("caller token issued")
	return token, record, nil
}

// Validate reports whether token is usable now.
func (m *Manager) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if m.IsSystemToken(token) {
		return true, nil
	}
	record, found, errGet := m.Get(ctx, token)
	if errGet != nil {
		return false, errGet
	}
	if !found {
		return false, nil
	}
	return record.Usable(m.now().UnixMilli()), nil
}

// Get loads the record of token.
func (m *Manager) Get(ctx context.Context, token string) (models.CallerToken, bool, error) {
	if token == "" {
		return models.CallerToken{}, false, nil
	}
	var record models.CallerToken
	entry, errGet := kv.GetJSON(ctx, m.store, StorageKey(token), &record)
	if errGet != nil {
		return models.CallerToken{}, false, fmt.Errorf("tokens: load: %w", errGet)
	}
	return record, entry.Found(), nil
}

// Update merges patch into the record of token. It returns false for unknown tokens.
func (m *Manager) Update(ctx context.Context, token string, patch models.CallerTokenPatch) (bool, error) {
	if patch.ExpiryDays != nil && !ValidExpiryDelta(*patch.ExpiryDays) {
		return false, ErrInvalidExpiry
	}
	if token == "" {
		return false, nil
	}
	key := StorageKey(token)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var record models.CallerToken
		entry, errGet := kv.GetJSON(ctx, m.store, key, &record)
		if errGet != nil {
			return false, fmt.Errorf("tokens: load: %w", errGet)
		}
		if !entry.Found() {
			return false, nil
		}
		ok, errCommit := m.store.Atomic().
			Check(key, entry.Version).
			SetJSON(key, record.Apply(patch)).
			Commit(ctx)
		if errCommit != nil {
			return false, fmt.Errorf("tokens: store: %w", errCommit)
		}
		if ok {
			return true, nil
		}
	}
	return false, ErrConflict
}

// Deactivate soft-revokes token, keeping its record.
func (m *Manager) Deactivate(ctx context.Context, token string) (bool, error) {
	inactive := false
	return m.Update(ctx, token, models.CallerTokenPatch{Active: &inactive})
}

// Delete removes the record of token. It returns false for unknown tokens.
func (m *Manager) Delete(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	key := StorageKey(token)
	entry, errGet := m.store.Get(ctx, key)
	if errGet != nil {
		return false, fmt.Errorf("tokens: load: %w", errGet)
	}
	if !entry.Found() {
		return false, nil
	}
	if errDelete := m.store.Delete(ctx, key); errDelete != nil {
		return false, fmt.Errorf("tokens: delete: %w", errDelete)
	}
	log.WithField("token", util.HideAPIKey(token)).Info("caller token deleted")
	return true, nil
}

// List returns every stored token ordered by value.
func (m *Manager) List(ctx context.Context) ([]Listed, error) {
	entries, errList := m.store.List(ctx, kv.Prefix(storagePrefix))
	if errList != nil {
		return nil, fmt.Errorf("tokens: list: %w", errList)
	}
	out := make([]Listed, 0, len(entries))
	for _, entry := range entries {
		var record models.CallerToken
		if errDecode := json.Unmarshal(entry.Value, &record); errDecode != nil {
			log.WithError(errDecode).Warnf("skip undecodable caller token %s", util.HideAPIKey(kv.Last(entry.Key)))
			continue
		}
		out = append(out, Listed{Key: kv.Last(entry.Key), Info: record})
	}
	return out, nil
}
