package sandbox

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment statuses as the marketplace stores them.
const (
	StatusPendingPayment = "pending_payment"
	StatusPendingCOD     = "pending_cod"
	StatusConfirmed      = "confirmed"
	StatusFailed         = "failed"
)

// Payment kinds.
const (
	KindFee  = "system_fee"
	KindTask = "task_payment"
)

var (
	ErrNotFound       = errors.New("sandbox: not found")
	ErrAlreadySettled = errors.New("sandbox: payment already settled")
)

// Task is a marketplace task as far as payments are concerned.
type Task struct {
	ID           string
	Title        string
	Location     string
	Price        decimal.Decimal
	ChatUnlocked bool
}

// Payment is one payment attempt.
type Payment struct {
	ID        string
	Kind      string
	TaskID    string
	Method    string
	Amount    decimal.Decimal
	Status    string
	ClientKey string
	SourceID  string
	Reference string
	CreatedAt time.Time
}

// Store keeps sandbox state in memory.
type Store struct {
	DefaultPrice decimal.Decimal
	Now          func() time.Time

	mu       sync.Mutex
	seq      int64
	tasks    map[string]*Task
	payments map[string]*Payment
	byKey    map[string]string
	bySource map[string]string
}

// NewStore returns an empty store pricing unknown tasks at defaultPrice.
func NewStore(defaultPrice decimal.Decimal) *Store {
	return &Store{
		DefaultPrice: defaultPrice,
		seq:          1000,
		tasks:        make(map[string]*Task),
		payments:     make(map[string]*Payment),
		byKey:        make(map[string]string),
		bySource:     make(map[string]string),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Task returns the task with id, creating it on first sight.
func (s *Store) Task(id string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.taskLocked(id)
}

func (s *Store) taskLocked(id string) *Task {
	t, ok := s.tasks[id]
	if !ok {
		t = &Task{ID: id, Title: "Errand " + id, Location: "Manila", Price: s.DefaultPrice}
		s.tasks[id] = t
	}
	return t
}

// SetPrice changes the price of a task.
func (s *Store) SetPrice(taskID string, price decimal.Decimal) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.taskLocked(taskID)
	t.Price = price
	return *t
}

// UnlockChat opens the chat of a task.
func (s *Store) UnlockChat(taskID string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.taskLocked(taskID)
	t.ChatUnlocked = true
	return *t
}

// CreateFeeIntent registers a gateway intent for the system fee of a task.
func (s *Store) CreateFeeIntent(taskID, method string, amount decimal.Decimal) Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskLocked(taskID)
	id := "pi_" + shortID(24)
	p := &Payment{
		ID:        id,
		Kind:      KindFee,
		TaskID:    taskID,
		Method:    method,
		Amount:    amount,
		Status:    StatusPendingPayment,
		ClientKey: id + "_client_" + shortID(8),
		CreatedAt: s.now(),
	}
	s.payments[id] = p
	s.byKey[p.ClientKey] = id
	return *p
}

// CreateTaskPayment registers the completion payment of a task. Cash payments start
// as pending_cod.
func (s *Store) CreateTaskPayment(taskID, method string, amount decimal.Decimal) Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskLocked(taskID)
	s.seq++
	status := StatusPendingPayment
	if method == "cod" {
		status = StatusPendingCOD
	}
	p := &Payment{
		ID:        strconv.FormatInt(s.seq, 10),
		Kind:      KindTask,
		TaskID:    taskID,
		Method:    method,
		Amount:    amount,
		Status:    status,
		Reference: "EX-" + strings.ToUpper(shortID(10)),
		CreatedAt: s.now(),
	}
	s.payments[p.ID] = p
	return *p
}

// AttachSource creates a checkout source for a pending payment.
func (s *Store) AttachSource(paymentID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok || p.Status != StatusPendingPayment {
		return Payment{}, ErrNotFound
	}
	if p.SourceID == "" {
		p.SourceID = "src_" + shortID(24)
		s.bySource[p.SourceID] = p.ID
	}
	return *p, nil
}

// PaymentByClientKey finds a fee intent by its client key.
func (s *Store) PaymentByClientKey(key string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return *s.payments[id], nil
}

// PaymentBySource finds the payment behind a checkout source.
func (s *Store) PaymentBySource(sourceID string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySource[sourceID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return *s.payments[id], nil
}

// Payment returns the payment with id.
func (s *Store) Payment(id string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return *p, nil
}

// Settle confirms or fails a pending payment. Confirming a system fee unlocks the
// task chat, the way the gateway webhook does.
func (s *Store) Settle(id string, confirmed bool) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if p.Status == StatusConfirmed || p.Status == StatusFailed {
		return *p, ErrAlreadySettled
	}
	if confirmed {
		p.Status = StatusConfirmed
		if p.Kind == KindFee {
			s.taskLocked(p.TaskID).ChatUnlocked = true
		}
	} else {
		p.Status = StatusFailed
	}
	return *p, nil
}

func shortID(n int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}
