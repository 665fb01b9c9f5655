package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process Gateway used by local tooling and tests. It keeps
// the non-negative balance invariant under concurrent use.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int
	debits   []Entry
	credits  []Entry
}

// Entry records one ledger call.
type Entry struct {
	UserID string
	Amount int
}

func NewMemory(balances map[string]int) *Memory {
	m := &Memory{balances: make(map[string]int, len(balances))}
	for user, amount := range balances {
		m.balances[user] = amount
	}
	return m
}

func (m *Memory) Debit(ctx context.Context, userID string, amount int) error {
	if err := validate(userID, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return ErrInsufficientCredits
	}
	m.balances[userID] -= amount
	m.debits = append(m.debits, Entry{UserID: userID, Amount: amount})
	return nil
}

func (m *Memory) Credit(ctx context.Context, userID string, amount int) error {
	if err := validate(userID, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	m.credits = append(m.credits, Entry{UserID: userID, Amount: amount})
	return nil
}

// Balance returns the user's current balance.
func (m *Memory) Balance(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

// Debits returns a copy of all successful debits.
func (m *Memory) Debits() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.debits...)
}

// Credits returns a copy of all credits.
func (m *Memory) Credits() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.credits...)
}

var _ Gateway = (*Memory)(nil)
