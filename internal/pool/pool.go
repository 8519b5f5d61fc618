// Package pool rotates pooled upstream credentials and tracks their failures.
//
// A Pool owns two ordered lists, active and inactive, persisted as JSON arrays under
// gemini_keys/active and gemini_keys/inactive, plus one detail record per credential
// under gemini_key_info/<key>. The rotation cursor lives only in memory, so each
// process rotates independently.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/GeminiRelay/internal/kv"
	"github.com/router-for-me/GeminiRelay/internal/metrics"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"github.com/router-for-me/GeminiRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

// Pool errors.
var (
	ErrNotInitialized      = errors.New("credential pool not initialized")
	ErrPoolExhausted       = errors.New("no active upstream credentials available")
	ErrDuplicateCredential = errors.New("credential already exists")
	ErrEmptyCredential     = errors.New("credential key is required")
	ErrConflict            = errors.New("credential pool changed concurrently, retry")
)

// maxRecordAttempts bounds the compare-and-set loop of per-credential record updates.
const maxRecordAttempts = 5

var (
	activeListKey   = kv.Key("gemini_keys", "active")
	inactiveListKey = kv.Key("gemini_keys", "inactive")
	infoPrefix      = kv.Prefix("gemini_key_info")
)

func infoKey(key string) string { return kv.Key("gemini_key_info", key) }

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics reports selections, errors and list sizes to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool is the rotating credential selector. Construct it once and share it.
type Pool struct {
	store   kv.Store
	metrics *metrics.Collector
	now     func() time.Time

	// writeMu serializes mutations, including their storage commits.
	writeMu sync.Mutex

	// mu guards the in-memory view below and is never held across storage I/O.
	mu              sync.Mutex
	initialized     bool
	active          []string
	inactive        []string
	activeVersion   int64
	inactiveVersion int64
	cursor          int
	accounts        map[string]string
}

// Listing groups credential details by status.
type Listing struct {
	Active   []models.UpstreamCredential `json:"active"`
	Inactive []models.UpstreamCredential `json:"inactive"`
}

// New builds a pool over store. Call Init before use.
func New(store kv.Store, opts ...Option) *Pool {
	p := &Pool{
		store:    store,
		now:      time.Now,
		accounts: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init loads both lists from storage. Calls after the first successful one are no-ops.
func (p *Pool) Init(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	done := p.initialized
	p.mu.Unlock()
	if done {
		return nil
	}
	return p.load(ctx)
}

// Reload re-reads both lists from storage, picking up changes made by other processes.
func (p *Pool) Reload(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.load(ctx)
}

// load must be called with writeMu held.
func (p *Pool) load(ctx context.Context) error {
	var active, inactive []string
	activeEntry, errActive := kv.GetJSON(ctx, p.store, activeListKey, &active)
	if errActive != nil {
		return fmt.Errorf("pool: load active list: %w", errActive)
	}
	inactiveEntry, errInactive := kv.GetJSON(ctx, p.store, inactiveListKey, &inactive)
	if errInactive != nil {
		return fmt.Errorf("pool: load inactive list: %w", errInactive)
	}
	details, errDetails := p.loadDetails(ctx)
	if errDetails != nil {
		return errDetails
	}
	accounts := make(map[string]string, len(details))
	for key, detail := range details {
		accounts[key] = detail.Account
	}

	p.mu.Lock()
	p.active = active
	p.inactive = inactive
	p.activeVersion = activeEntry.Version
	p.inactiveVersion = inactiveEntry.Version
	p.accounts = accounts
	if p.cursor >= len(p.active) {
		p.cursor = 0
	}
	p.initialized = true
	activeCount, inactiveCount := len(p.active), len(p.inactive)
	p.mu.Unlock()

	p.metrics.SetPoolSize(activeCount, inactiveCount)
	return nil
}

func (p *Pool) loadDetails(ctx context.Context) (map[string]models.UpstreamCredential, error) {
	entries, errList := p.store.List(ctx, infoPrefix)
	if errList != nil {
		return nil, fmt.Errorf("pool: list credential records: %w", errList)
	}
	out := make(map[string]models.UpstreamCredential, len(entries))
	for _, entry := range entries {
		var detail models.UpstreamCredential
		if errDecode := json.Unmarshal(entry.Value, &detail); errDecode != nil {
			log.WithError(errDecode).Warnf("pool: skip undecodable credential record %s", util.HideAPIKey(kv.Last(entry.Key)))
			continue
		}
		out[kv.Last(entry.Key)] = detail
	}
	return out, nil
}

// Next advances the cursor and returns the credential under it.
// With active [K1, K2, K3] and a fresh cursor the sequence is K2, K3, K1, K2, ...
func (p *Pool) Next() (string, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return "", ErrNotInitialized
	}
	if len(p.active) == 0 {
		p.mu.Unlock()
		return "", ErrPoolExhausted
	}
	p.cursor = (p.cursor + 1) % len(p.active)
	key := p.active[p.cursor]
	account := p.accounts[key]
	p.mu.Unlock()

	p.metrics.RecordSelection(account)
	return key, nil
}

// Sizes returns the current list lengths.
func (p *Pool) Sizes() (active, inactive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active), len(p.inactive)
}

// Status reports which list holds key.
func (p *Pool) Status(key string) (models.CredentialStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case slices.Contains(p.active, key):
		return models.CredentialStatusActive, true
	case slices.Contains(p.inactive, key):
		return models.CredentialStatusInactive, true
	default:
		return "", false
	}
}

type snapshot struct {
	active, inactive               []string
	activeVersion, inactiveVersion int64
}

func (p *Pool) snapshot() (snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return snapshot{}, ErrNotInitialized
	}
	return snapshot{
		active:          slices.Clone(p.active),
		inactive:        slices.Clone(p.inactive),
		activeVersion:   p.activeVersion,
		inactiveVersion: p.inactiveVersion,
	}, nil
}

// commitLists persists the new lists plus any extra mutations, guarded by the list
// versions observed in snap. Memory is only updated once storage accepted the batch.
// Must be called with writeMu held.
func (p *Pool) commitLists(ctx context.Context, snap snapshot, active, inactive []string, extra func(*kv.Batch)) error {
	batch := p.store.Atomic().
		Check(activeListKey, snap.activeVersion).
		Check(inactiveListKey, snap.inactiveVersion).
		SetJSON(activeListKey, nonNil(active)).
		SetJSON(inactiveListKey, nonNil(inactive))
	if extra != nil {
		extra(batch)
	}
	ok, errCommit := batch.Commit(ctx)
	if errCommit != nil {
		return fmt.Errorf("pool: persist lists: %w", errCommit)
	}
	if !ok {
		if errLoad := p.load(ctx); errLoad != nil {
			log.WithError(errLoad).Warn("pool: reload after conflict failed")
		}
		return ErrConflict
	}

	if errLoad := p.load(ctx); errLoad != nil {
		// Storage accepted the write; keep serving the committed lists and force the
		// next mutation to resync by invalidating the versions.
		log.WithError(errLoad).Warn("pool: reload after commit failed")
		p.mu.Lock()
		p.active = active
		p.inactive = inactive
		p.activeVersion = -1
		p.inactiveVersion = -1
		if p.cursor >= len(p.active) {
			p.cursor = 0
		}
		p.mu.Unlock()
		p.metrics.SetPoolSize(len(active), len(inactive))
	}
	return nil
}

// Add appends a new credential to the active list.
func (p *Pool) Add(ctx context.Context, key, account, note string) (models.UpstreamCredential, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.UpstreamCredential{}, ErrEmptyCredential
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	snap, errSnap := p.snapshot()
	if errSnap != nil {
		return models.UpstreamCredential{}, errSnap
	}
	if slices.Contains(snap.active, key) || slices.Contains(snap.inactive, key) {
		return models.UpstreamCredential{}, ErrDuplicateCredential
	}

	nowMs := p.now().UnixMilli()
	detail := models.UpstreamCredential{
		Key:       key,
		Account:   strings.TrimSpace(account),
		Note:      note,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
	active := append(snap.active, key)
	errCommit := p.commitLists(ctx, snap, active, snap.inactive, func(b *kv.Batch) {
		b.SetJSON(infoKey(key), detail)
	})
	if errCommit != nil {
		return models.UpstreamCredential{}, errCommit
	}
	log.WithFields(log.Fields{
		"credential": util.HideAPIKey(key),
		"account":    detail.Account,
	}).Info("pool: credential added")
	return detail, nil
}

// Remove drops key from whichever list holds it and deletes its detail record.
func (p *Pool) Remove(ctx context.Context, key string) (bool, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	snap, errSnap := p.snapshot()
	if errSnap != nil {
		return false, errSnap
	}
	active, removedActive := without(snap.active, key)
	inactive, removedInactive := without(snap.inactive, key)
	if !removedActive && !removedInactive {
		return false, nil
	}
	errCommit := p.commitLists(ctx, snap, active, inactive, func(b *kv.Batch) {
		b.Delete(infoKey(key))
	})
	if errCommit != nil {
		return false, errCommit
	}
	log.WithField("credential", util.HideAPIKey(key)).Info("pool: credential removed")
	return true, nil
}

// Deactivate moves key from the active list to the end of the inactive list.
func (p *Pool) Deactivate(ctx context.Context, key string) (bool, error) {
	return p.move(ctx, key, false)
}

// Activate moves key from the inactive list to the end of the active list.
func (p *Pool) Activate(ctx context.Context, key string) (bool, error) {
	return p.move(ctx, key, true)
}

func (p *Pool) move(ctx context.Context, key string, toActive bool) (bool, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	snap, errSnap := p.snapshot()
	if errSnap != nil {
		return false, errSnap
	}
	var active, inactive []string
	var moved bool
	if toActive {
		inactive, moved = without(snap.inactive, key)
		active = append(snap.active, key)
	} else {
		active, moved = without(snap.active, key)
		inactive = append(snap.inactive, key)
	}
	if !moved {
		return false, nil
	}
	if errCommit := p.commitLists(ctx, snap, active, inactive, nil); errCommit != nil {
		return false, errCommit
	}
	status := models.CredentialStatusInactive
	if toActive {
		status = models.CredentialStatusActive
	}
	log.WithFields(log.Fields{
		"credential": util.HideAPIKey(key),
		"status":     status,
	}).Info("pool: credential status changed")
	return true, nil
}

// RecordError bumps the failure counter of key. Unknown keys are ignored.
// It never changes list membership.
func (p *Pool) RecordError(ctx context.Context, key string) error {
	var account string
	found, errUpdate := p.updateRecord(ctx, key, func(detail *models.UpstreamCredential, nowMs int64) {
		detail.ErrorCount++
		detail.LastErrorAt = &nowMs
		detail.UpdatedAt = nowMs
		account = detail.Account
	})
	if errUpdate != nil {
		return errUpdate
	}
	if found {
		p.metrics.RecordUpstreamError(account)
	}
	return nil
}

// UpdateInfo merges patch into the detail record of key. It returns false for unknown keys.
func (p *Pool) UpdateInfo(ctx context.Context, key string, patch models.CredentialPatch) (bool, error) {
	var account string
	found, errUpdate := p.updateRecord(ctx, key, func(detail *models.UpstreamCredential, nowMs int64) {
		*detail = detail.Apply(patch, nowMs)
		account = detail.Account
	})
	if errUpdate != nil || !found {
		return found, errUpdate
	}
	p.mu.Lock()
	p.accounts[key] = account
	p.mu.Unlock()
	return true, nil
}

// updateRecord runs a compare-and-set read-modify-write on one detail record.
func (p *Pool) updateRecord(ctx context.Context, key string, mutate func(*models.UpstreamCredential, int64)) (bool, error) {
	for attempt := 0; attempt < maxRecordAttempts; attempt++ {
		var detail models.UpstreamCredential
		entry, errGet := kv.GetJSON(ctx, p.store, infoKey(key), &detail)
		if errGet != nil {
			return false, fmt.Errorf("pool: load credential record: %w", errGet)
		}
		if !entry.Found() {
			return false, nil
		}
		mutate(&detail, p.now().UnixMilli())
		ok, errCommit := p.store.Atomic().
			Check(entry.Key, entry.Version).
			SetJSON(entry.Key, detail).
			Commit(ctx)
		if errCommit != nil {
			return false, fmt.Errorf("pool: persist credential record: %w", errCommit)
		}
		if ok {
			return true, nil
		}
	}
	return false, ErrConflict
}

// Info returns the detail record of key.
func (p *Pool) Info(ctx context.Context, key string) (models.UpstreamCredential, bool, error) {
	var detail models.UpstreamCredential
	entry, errGet := kv.GetJSON(ctx, p.store, infoKey(key), &detail)
	if errGet != nil {
		return models.UpstreamCredential{}, false, fmt.Errorf("pool: load credential record: %w", errGet)
	}
	return detail, entry.Found(), nil
}

// List resolves both lists to detail records. Listed keys without a record are skipped.
func (p *Pool) List(ctx context.Context) (Listing, error) {
	snap, errSnap := p.snapshot()
	if errSnap != nil {
		return Listing{}, errSnap
	}
	details, errDetails := p.loadDetails(ctx)
	if errDetails != nil {
		return Listing{}, errDetails
	}
	out := Listing{
		Active:   make([]models.UpstreamCredential, 0, len(snap.active)),
		Inactive: make([]models.UpstreamCredential, 0, len(snap.inactive)),
	}
	for _, key := range snap.active {
		if detail, ok := details[key]; ok {
			out.Active = append(out.Active, detail)
		}
	}
	for _, key := range snap.inactive {
		if detail, ok := details[key]; ok {
			out.Inactive = append(out.Inactive, detail)
		}
	}
	return out, nil
}

// ErrorStats returns credentials with at least one recorded error, most errors first.
func (p *Pool) ErrorStats(ctx context.Context) ([]models.CredentialView, error) {
	listing, errList := p.List(ctx)
	if errList != nil {
		return nil, errList
	}
	out := make([]models.CredentialView, 0)
	collect := func(details []models.UpstreamCredential, status models.CredentialStatus) {
		for _, detail := range details {
			if detail.ErrorCount > 0 {
				out = append(out, models.CredentialView{UpstreamCredential: detail, Status: status})
			}
		}
	}
	collect(listing.Active, models.CredentialStatusActive)
	collect(listing.Inactive, models.CredentialStatusInactive)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ErrorCount > out[j].ErrorCount })
	return out, nil
}

func without(list []string, key string) ([]string, bool) {
	idx := slices.Index(list, key)
	if idx < 0 {
		return list, false
	}
	return slices.Delete(slices.Clone(list), idx, idx+1), true
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
