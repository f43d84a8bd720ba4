// Package creditstore persists credit market state as JSON records in a
// key-value database. It satisfies the state interfaces of the credit engine
// and the auction house, so a Store can back both directly.
package creditstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"creditguild/core/types"
	"creditguild/crypto"
	"creditguild/native/credit"
	"creditguild/storage"
)

const (
	termPrefix    = "credit/term/"
	loanPrefix    = "credit/loan/"
	accountPrefix = "credit/acct/"
	auctionPrefix = "credit/auction/"
)

var errNilDatabase = errors.New("creditstore: database not configured")

// Store reads and writes credit ledger records through a storage.Database.
type Store struct {
	db storage.Database
}

// New wraps a database in a credit store.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) get(key string, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilDatabase
	}
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("creditstore: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key string, record interface{}) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("creditstore: encode %s: %w", key, err)
	}
	return s.db.Put([]byte(key), raw)
}

// GetTerm loads a lending term, or nil when none exists.
func (s *Store) GetTerm(termID string) (*credit.Term, error) {
	term := new(credit.Term)
	ok, err := s.get(termPrefix+termID, term)
	if err != nil || !ok {
		return nil, err
	}
	return term, nil
}

// PutTerm stores a lending term keyed by its identifier.
func (s *Store) PutTerm(term *credit.Term) error {
	if term == nil || term.ID == "" {
		return errors.New("creditstore: term requires an identifier")
	}
	return s.put(termPrefix+term.ID, term)
}

// GetLoan loads a loan by fingerprint, or nil when none exists.
func (s *Store) GetLoan(id [32]byte) (*credit.Loan, error) {
	loan := new(credit.Loan)
	ok, err := s.get(loanPrefix+hex.EncodeToString(id[:]), loan)
	if err != nil || !ok {
		return nil, err
	}
	loan.EnsureDefaults()
	return loan, nil
}

// PutLoan stores a loan keyed by its fingerprint.
func (s *Store) PutLoan(loan *credit.Loan) error {
	if loan == nil {
		return errors.New("creditstore: loan must not be nil")
	}
	return s.put(loanPrefix+hex.EncodeToString(loan.ID[:]), loan)
}

// GetAccount loads a ledger account, or nil when the address has no record.
func (s *Store) GetAccount(addr crypto.Address) (*types.Account, error) {
	account := new(types.Account)
	ok, err := s.get(accountPrefix+addr.String(), account)
	if err != nil || !ok {
		return nil, err
	}
	account.EnsureDefaults()
	return account, nil
}

// PutAccount stores a ledger account keyed by bech32 address.
func (s *Store) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return errors.New("creditstore: account must not be nil")
	}
	return s.put(accountPrefix+addr.String(), account)
}

// GetAuction loads an auction by loan fingerprint, or nil when none exists.
func (s *Store) GetAuction(id [32]byte) (*credit.Auction, error) {
	auction := new(credit.Auction)
	ok, err := s.get(auctionPrefix+hex.EncodeToString(id[:]), auction)
	if err != nil || !ok {
		return nil, err
	}
	auction.EnsureDefaults()
	return auction, nil
}

// PutAuction stores an auction keyed by its loan fingerprint.
func (s *Store) PutAuction(auction *credit.Auction) error {
	if auction == nil {
		return errors.New("creditstore: auction must not be nil")
	}
	return s.put(auctionPrefix+hex.EncodeToString(auction.LoanID[:]), auction)
}
