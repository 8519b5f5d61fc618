// Package redeem manages batches of single-use codes that exchange for caller tokens.
package redeem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/GeminiRelay/internal/kv"
	"github.com/router-for-me/GeminiRelay/internal/metrics"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"github.com/router-for-me/GeminiRelay/internal/security"
	"github.com/router-for-me/GeminiRelay/internal/tokens"
	"github.com/router-for-me/GeminiRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

// Redemption errors.
var (
	ErrInvalidCount            = errors.New("count must be between 1 and the maximum batch size")
	ErrCodeGenerationExhausted = errors.New("could not generate enough unique codes")
	ErrCodeNotFound            = errors.New("redeem code not found")
	ErrCodeAlreadyUsed         = errors.New("redeem code already used")
	ErrBatchNotFound           = errors.New("redeem batch not found")
	ErrBatchInUse              = errors.New("cannot delete a batch with used codes")
	ErrConflict                = errors.New("redeem data changed concurrently, retry")
)

const (
	// DefaultMaxBatchSize caps the number of codes per batch.
	DefaultMaxBatchSize = 1000
	// codeRetryFactor sets the generation budget to count*codeRetryFactor draws.
	codeRetryFactor    = 4
	maxCounterAttempts = 10
	maxCommitAttempts  = 5
	batchIDPrefix      = "B"
)

var counterKey = kv.Key("redeem_batch_counter")

func batchKey(batchID string) string { return kv.Key("redeem_batch", batchID) }

func codeKey(batchID, code string) string { return kv.Key("redeem_code", batchID, code) }

func codePrefix(batchID string) string { return kv.Prefix("redeem_code", batchID) }

// Result describes a successful redemption.
type Result struct {
	Token        string `json:"apiKey"`
	BatchID      string `json:"batchId"`
	ValidityDays int    `json:"validityDays"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics reports redemption outcomes to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithMaxBatchSize overrides DefaultMaxBatchSize.
func WithMaxBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBatchSize = n
		}
	}
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.generate = gen }
}

// Manager creates batches and redeems codes.
type Manager struct {
	store        kv.Store
	tokens       *tokens.Manager
	metrics      *metrics.Collector
	now          func() time.Time
	generate     func() (string, error)
	maxBatchSize int
}

// New builds a Manager. Minted tokens are prepared by tm and committed together with the code.
func New(store kv.Store, tm *tokens.Manager, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		tokens:       tm,
		now:          time.Now,
		generate:     security.GenerateRedeemCode,
		maxBatchSize: DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxBatchSize returns the configured batch size limit.
func (m *Manager) MaxBatchSize() int { return m.maxBatchSize }

// CreateBatch allocates a batch id and stores the batch with count fresh codes in one commit.
func (m *Manager) CreateBatch(ctx context.Context, validityDays, count int, note string) (models.RedemptionBatch, error) {
	if validityDays <= 0 || validityDays > tokens.MaxValidityDays {
		return models.RedemptionBatch{}, tokens.ErrInvalidValidity
	}
	if count < 1 || count > m.maxBatchSize {
		return models.RedemptionBatch{}, ErrInvalidCount
	}

	batchID, errID := m.nextBatchID(ctx)
	if errID != nil {
		return models.RedemptionBatch{}, errID
	}

	existing, errExisting := m.store.List(ctx, codePrefix(batchID))
	if errExisting != nil {
		return models.RedemptionBatch{}, fmt.Errorf("redeem: list codes: %w", errExisting)
	}
	taken := make(map[string]struct{}, len(existing)+count)
	for _, entry := range existing {
		taken[kv.Last(entry.Key)] = struct{}{}
	}

	codes := make([]string, 0, count)
	budget := count * codeRetryFactor
	for attempts := 0; len(codes) < count; attempts++ {
		if attempts >= budget {
			return models.RedemptionBatch{}, ErrCodeGenerationExhausted
		}
		code, errGenerate := m.generate()
		if errGenerate != nil {
			return models.RedemptionBatch{}, errGenerate
		}
		if _, dup := taken[code]; dup {
			continue
		}
		taken[code] = struct{}{}
		codes = append(codes, code)
	}

	batch := models.RedemptionBatch{
		BatchID:      batchID,
		Note:         note,
		CreatedAt:    m.now().UnixMilli(),
		ValidityDays: validityDays,
		TotalCodes:   count,
	}
	atomic := m.store.Atomic().
		Check(batchKey(batchID), 0).
		SetJSON(batchKey(batchID), batch)
	for _, code := range codes {
		atomic.Check(codeKey(batchID, code), 0).
			SetJSON(codeKey(batchID, code), models.RedemptionCode{Code: code, BatchID: batchID})
	}
	ok, errCommit := atomic.Commit(ctx)
	if errCommit != nil {
		return models.RedemptionBatch{}, fmt.Errorf("redeem: store batch: %w", errCommit)
	}
	if !ok {
		return models.RedemptionBatch{}, ErrConflict
	}
	log.WithFields(log.Fields{
		"batch":        batchID,
		"codes":        count,
		"validityDays": validityDays,
	}).Info("redeem batch created")
	return batch, nil
}

// nextBatchID increments the persistent counter with compare-and-set.
func (m *Manager) nextBatchID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		var current uint64
		entry, errGet := kv.GetJSON(ctx, m.store, counterKey, &current)
		if errGet != nil {
			return "", fmt.Errorf("redeem: load batch counter: %w", errGet)
		}
		next := current + 1
		ok, errCommit := m.store.Atomic().
			Check(counterKey, entry.Version).
			SetJSON(counterKey, next).
			Commit(ctx)
		if errCommit != nil {
			return "", fmt.Errorf("redeem: store batch counter: %w", errCommit)
		}
		if ok {
			return batchIDPrefix + strings.ToUpper(strconv.FormatUint(next, 16)), nil
		}
	}
	return "", ErrConflict
}

// Redeem flips an unused code, increments the batch usage and mints a caller token,
// all in one commit checked against the code and batch versions.
func (m *Manager) Redeem(ctx context.Context, batchID, code string) (Result, error) {
	result, errRedeem := m.redeem(ctx, batchID, code)
	m.metrics.RecordRedemption(outcome(errRedeem))
	return result, errRedeem
}

func (m *Manager) redeem(ctx context.Context, batchID, code string) (Result, error) {
	if batchID == "" || code == "" {
		return Result{}, ErrCodeNotFound
	}
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		var record models.RedemptionCode
		codeEntry, errCode := kv.GetJSON(ctx, m.store, codeKey(batchID, code), &record)
		if errCode != nil {
			return Result{}, fmt.Errorf("redeem: load code: %w", errCode)
		}
		if !codeEntry.Found() {
			return Result{}, ErrCodeNotFound
		}
		if record.IsUsed {
			return Result{}, ErrCodeAlreadyUsed
		}

		var batch models.RedemptionBatch
		batchEntry, errBatch := kv.GetJSON(ctx, m.store, batchKey(batchID), &batch)
		if errBatch != nil {
			return Result{}, fmt.Errorf("redeem: load batch: %w", errBatch)
		}
		if !batchEntry.Found() {
			return Result{}, ErrBatchNotFound
		}
		if batch.UsedCodes >= batch.TotalCodes {
			return Result{}, fmt.Errorf("redeem: batch %s reports %d/%d codes used", batchID, batch.UsedCodes, batch.TotalCodes)
		}

		token, tokenRecord, errPrepare := m.tokens.Prepare(batch.ValidityDays, models.TokenSourceCodeExchange, "redeemed from batch "+batchID)
		if errPrepare != nil {
			return Result{}, errPrepare
		}
		usedAt := m.now().UnixMilli()
		record.IsUsed = true
		record.UsedAt = &usedAt
		record.UsedBy = token
		batch.UsedCodes++

		ok, errCommit := m.store.Atomic().
			Check(codeEntry.Key, codeEntry.Version).
			Check(batchEntry.Key, batchEntry.Version).
			Check(tokens.StorageKey(token), 0).
			SetJSON(codeEntry.Key, record).
			SetJSON(batchEntry.Key, batch).
			SetJSON(tokens.StorageKey(token), tokenRecord).
			Commit(ctx)
		if errCommit != nil {
			return Result{}, fmt.Errorf("redeem: store redemption: %w", errCommit)
		}
		if !ok {
			continue
		}
		log.WithFields(log.Fields{
			"batch": batchID,
			"code":  util.HideAPIKey(code),
			"token": util.HideAPIKey(token),
		}).Info("redeem code used")
		return Result{
			Token:        token,
			BatchID:      batchID,
			ValidityDays: batch.ValidityDays,
			ExpiresAt:    tokenRecord.ExpiresAt,
		}, nil
	}
	return Result{}, ErrConflict
}

// RedeemCode redeems a code when only the code is known. Every batch is searched and
// an unused match wins over a used one.
func (m *Manager) RedeemCode(ctx context.Context, code string) (Result, error) {
	batchID, errFind := m.findCode(ctx, code)
	if errFind != nil {
		m.metrics.RecordRedemption(outcome(errFind))
		return Result{}, errFind
	}
	return m.Redeem(ctx, batchID, code)
}

func (m *Manager) findCode(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", ErrCodeNotFound
	}
	batches, errList := m.ListBatches(ctx)
	if errList != nil {
		return "", errList
	}
	usedIn := ""
	for _, batch := range batches {
		var record models.RedemptionCode
		entry, errGet := kv.GetJSON(ctx, m.store, codeKey(batch.BatchID, code), &record)
		if errGet != nil {
			return "", fmt.Errorf("redeem: load code: %w", errGet)
		}
		if !entry.Found() {
			continue
		}
		if !record.IsUsed {
			return batch.BatchID, nil
		}
		usedIn = batch.BatchID
	}
	if usedIn != "" {
		return "", ErrCodeAlreadyUsed
	}
	return "", ErrCodeNotFound
}

// DeleteBatch removes an unused batch and all its codes in one commit.
func (m *Manager) DeleteBatch(ctx context.Context, batchID string) error {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		var batch models.RedemptionBatch
		entry, errGet := kv.GetJSON(ctx, m.store, batchKey(batchID), &batch)
		if errGet != nil {
			return fmt.Errorf("redeem: load batch: %w", errGet)
		}
		if !entry.Found() {
			return ErrBatchNotFound
		}
		if batch.UsedCodes > 0 {
			return ErrBatchInUse
		}
		codes, errList := m.store.List(ctx, codePrefix(batchID))
		if errList != nil {
			return fmt.Errorf("redeem: list codes: %w", errList)
		}
		atomic := m.store.Atomic().Check(entry.Key, entry.Version)
		for _, code := range codes {
			atomic.Check(code.Key, code.Version).Delete(code.Key)
		}
		atomic.Delete(entry.Key)
		ok, errCommit := atomic.Commit(ctx)
		if errCommit != nil {
			return fmt.Errorf("redeem: delete batch: %w", errCommit)
		}
		if ok {
			log.WithFields(log.Fields{"batch": batchID, "codes": len(codes)}).Info("redeem batch deleted")
			return nil
		}
	}
	return ErrConflict
}

// GetBatch loads one batch.
func (m *Manager) GetBatch(ctx context.Context, batchID string) (models.RedemptionBatch, bool, error) {
	var batch models.RedemptionBatch
	entry, errGet := kv.GetJSON(ctx, m.store, batchKey(batchID), &batch)
	if errGet != nil {
		return models.RedemptionBatch{}, false, fmt.Errorf("redeem: load batch: %w", errGet)
	}
	return batch, entry.Found(), nil
}

// ListBatches returns every batch in allocation order.
func (m *Manager) ListBatches(ctx context.Context) ([]models.RedemptionBatch, error) {
	entries, errList := m.store.List(ctx, kv.Prefix("redeem_batch"))
	if errList != nil {
		return nil, fmt.Errorf("redeem: list batches: %w", errList)
	}
	out := make([]models.RedemptionBatch, 0, len(entries))
	for _, entry := range entries {
		var batch models.RedemptionBatch
		if errDecode := json.Unmarshal(entry.Value, &batch); errDecode != nil {
			log.WithError(errDecode).Warnf("skip undecodable redeem batch %s", kv.Last(entry.Key))
			continue
		}
		out = append(out, batch)
	}
	sort.SliceStable(out, func(i, j int) bool { return batchSeq(out[i].BatchID) < batchSeq(out[j].BatchID) })
	return out, nil
}

// ListCodes returns the codes of one batch ordered by code.
func (m *Manager) ListCodes(ctx context.Context, batchID string) ([]models.RedemptionCode, error) {
	if _, found, errGet := m.GetBatch(ctx, batchID); errGet != nil {
		return nil, errGet
	} else if !found {
		return nil, ErrBatchNotFound
	}
	entries, errList := m.store.List(ctx, codePrefix(batchID))
	if errList != nil {
		return nil, fmt.Errorf("redeem: list codes: %w", errList)
	}
	out := make([]models.RedemptionCode, 0, len(entries))
	for _, entry := range entries {
		var code models.RedemptionCode
		if errDecode := json.Unmarshal(entry.Value, &code); errDecode != nil {
			log.WithError(errDecode).Warnf("skip undecodable redeem code in batch %s", batchID)
			continue
		}
		out = append(out, code)
	}
	return out, nil
}

func batchSeq(batchID string) uint64 {
	seq, errParse := strconv.ParseUint(strings.TrimPrefix(batchID, batchIDPrefix), 16, 64)
	if errParse != nil {
		return 0
	}
	return seq
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, ErrCodeAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrBatchNotFound):
		return "batch_not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
