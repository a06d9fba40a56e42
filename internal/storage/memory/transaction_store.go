package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/storage"
)

// txKey is the composite natural key for token transaction deduplication.
type txKey struct {
	Hash     string
	Wallet   string
	Currency string
	Issuer   string
}

// TokenTransactionStore is an in-memory implementation of
// storage.TokenTransactionStore.
type TokenTransactionStore struct {
	mu   sync.RWMutex
	data []*domain.TokenTransaction
	keys map[txKey]bool
}

// NewTokenTransactionStore creates a new in-memory token transaction store.
func NewTokenTransactionStore() *TokenTransactionStore {
	return &TokenTransactionStore{
		data: make([]*domain.TokenTransaction, 0),
		keys: make(map[txKey]bool),
	}
}

// Compile-time interface check.
var _ storage.TokenTransactionStore = (*TokenTransactionStore)(nil)

func keyOf(tx *domain.TokenTransaction) txKey {
	return txKey{
		Hash:     tx.Hash,
		Wallet:   tx.WalletAddress,
		Currency: tx.Currency,
		Issuer:   tx.Issuer,
	}
}

// Insert adds a new transaction. Returns ErrDuplicateKey if the natural key exists.
func (s *TokenTransactionStore) Insert(_ context.Context, tx *domain.TokenTransaction) error {
	if tx == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(tx)
	if s.keys[key] {
		return storage.ErrDuplicateKey
	}

	cp := *tx
	s.data = append(s.data, &cp)
	s.keys[key] = true
	return nil
}

// InsertBulk adds multiple transactions atomically. Fails the entire batch
// on any duplicate, existing or intra-batch.
func (s *TokenTransactionStore) InsertBulk(_ context.Context, txs []*domain.TokenTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[txKey]bool)
	for _, tx := range txs {
		if tx == nil {
			return storage.ErrInvalidInput
		}
		key := keyOf(tx)
		if s.keys[key] || batchKeys[key] {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = true
	}

	for _, tx := range txs {
		cp := *tx
		s.data = append(s.data, &cp)
		s.keys[keyOf(tx)] = true
	}
	return nil
}

// GetByWallet retrieves all transactions for a wallet, ordered by
// (ledger_index ASC, hash ASC).
func (s *TokenTransactionStore) GetByWallet(_ context.Context, wallet string) ([]*domain.TokenTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TokenTransaction
	for _, tx := range s.data {
		if tx.WalletAddress == wallet {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sortTransactions(result)
	return result, nil
}

// GetByLedgerRange retrieves transactions for a wallet within [from, to] inclusive.
func (s *TokenTransactionStore) GetByLedgerRange(_ context.Context, wallet string, from, to int64) ([]*domain.TokenTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TokenTransaction
	for _, tx := range s.data {
		if tx.WalletAddress == wallet && tx.LedgerIndex >= from && tx.LedgerIndex <= to {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sortTransactions(result)
	return result, nil
}

// CountByHash returns how many rows exist for a transaction hash.
func (s *TokenTransactionStore) CountByHash(_ context.Context, hash string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, tx := range s.data {
		if tx.Hash == hash {
			n++
		}
	}
	return n, nil
}

// CountSince returns the number of rows with Timestamp at or after ts.
func (s *TokenTransactionStore) CountSince(_ context.Context, ts time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, tx := range s.data {
		if !tx.Timestamp.Before(ts) {
			n++
		}
	}
	return n, nil
}

// sortTransactions orders by (ledger_index ASC, hash ASC, currency ASC).
func sortTransactions(txs []*domain.TokenTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].LedgerIndex != txs[j].LedgerIndex {
			return txs[i].LedgerIndex < txs[j].LedgerIndex
		}
		if txs[i].Hash != txs[j].Hash {
			return txs[i].Hash < txs[j].Hash
		}
		return txs[i].Currency < txs[j].Currency
	})
}
