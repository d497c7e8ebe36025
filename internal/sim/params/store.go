package params

import (
	"fmt"
	"sync"
	"time"
)

// Store owns the simulation parameters for the lifetime of a controller.
// All access goes through its methods; readers always receive a copy.
type Store struct {
	mu      sync.RWMutex
	current Snapshot

	validate      bool
	knownProtocol func(string) bool
}

// StoreOption customises Store construction.
type StoreOption func(*Store)

// WithInitial seeds the store with a parameter set other than Default().
func WithInitial(s Snapshot) StoreOption {
	return func(st *Store) {
		st.current = s.Clone()
	}
}

// WithValidation enables range validation on SetFields: port must be in
// 1–65535, counts, rates and durations must be non-negative and, when
// knownProtocol is non-nil, the protocol must be accepted by it.
func WithValidation(knownProtocol func(string) bool) StoreOption {
	return func(st *Store) {
		st.validate = true
		st.knownProtocol = knownProtocol
	}
}

// NewStore constructs a Store holding Default() unless overridden.
func NewStore(opts ...StoreOption) *Store {
	st := &Store{current: Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(st)
		}
	}
	return st
}

// Get returns a copy of the current parameters.
func (st *Store) Get() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.Clone()
}

// SetTasks replaces the entire task list.
func (st *Store) SetTasks(tasks []Task) {
	cp := make([]Task, len(tasks))
	copy(cp, tasks)

	st.mu.Lock()
	st.current.Tasks = cp
	st.mu.Unlock()
}

// SetFields overwrites each recognised field present in fields and ignores
// unknown keys. Values are coerced first; if any value is rejected nothing is
// applied. The returned snapshot reflects the state right after the write.
func (st *Store) SetFields(fields map[string]any) (Snapshot, error) {
	var u update
	for _, name := range FieldNames {
		v, ok := fields[name]
		if !ok {
			continue
		}
		if err := u.set(name, v); err != nil {
			return Snapshot{}, err
		}
	}
	if st.validate {
		if err := u.validate(st.knownProtocol); err != nil {
			return Snapshot{}, err
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	u.apply(&st.current)
	return st.current.Clone(), nil
}

// update is a staged, already-coerced set of field writes.
type update struct {
	protocol         *string
	port             *int
	workersNumber    *int
	periodTime       *time.Duration
	queriesPerSecond *float64
	workersPerQuery  *int
}

func (u *update) set(name string, v any) error {
	switch name {
	case FieldProtocol:
		s, err := coerceString(name, v)
		if err != nil {
			return err
		}
		u.protocol = &s
	case FieldPort:
		n, err := coerceInt(name, v)
		if err != nil {
			return err
		}
		u.port = &n
	case FieldWorkersNumber:
		n, err := coerceInt(name, v)
		if err != nil {
			return err
		}
		u.workersNumber = &n
	case FieldPeriodTime:
		d, err := coerceDuration(name, v)
		if err != nil {
			return err
		}
		u.periodTime = &d
	case FieldQueriesPerSecond:
		f, err := coerceFloat(name, v)
		if err != nil {
			return err
		}
		u.queriesPerSecond = &f
	case FieldWorkersPerQuery:
		n, err := coerceInt(name, v)
		if err != nil {
			return err
		}
		u.workersPerQuery = &n
	default:
		return fmt.Errorf("unhandled field %q", name)
	}
	return nil
}

func (u *update) validate(knownProtocol func(string) bool) error {
	if u.protocol != nil {
		if *u.protocol == "" {
			return &FieldError{Field: FieldProtocol, Value: *u.protocol, Reason: "must not be empty"}
		}
		if knownProtocol != nil && !knownProtocol(*u.protocol) {
			return &FieldError{Field: FieldProtocol, Value: *u.protocol, Reason: "unknown protocol"}
		}
	}
	if u.port != nil && (*u.port < 1 || *u.port > 65535) {
		return &FieldError{Field: FieldPort, Value: *u.port, Reason: "must be between 1 and 65535"}
	}
	if u.workersNumber != nil && *u.workersNumber < 0 {
		return &FieldError{Field: FieldWorkersNumber, Value: *u.workersNumber, Reason: "must not be negative"}
	}
	if u.periodTime != nil && *u.periodTime < 0 {
		return &FieldError{Field: FieldPeriodTime, Value: *u.periodTime, Reason: "must not be negative"}
	}
	if u.queriesPerSecond != nil && *u.queriesPerSecond < 0 {
		return &FieldError{Field: FieldQueriesPerSecond, Value: *u.queriesPerSecond, Reason: "must not be negative"}
	}
	if u.workersPerQuery != nil && *u.workersPerQuery < 0 {
		return &FieldError{Field: FieldWorkersPerQuery, Value: *u.workersPerQuery, Reason: "must not be negative"}
	}
	return nil
}

func (u *update) apply(s *Snapshot) {
	if u.protocol != nil {
		s.Protocol = *u.protocol
	}
	if u.port != nil {
		s.Port = *u.port
	}
	if u.workersNumber != nil {
		s.WorkersNumber = *u.workersNumber
	}
	if u.periodTime != nil {
		s.PeriodTime = *u.periodTime
	}
	if u.queriesPerSecond != nil {
		s.QueriesPerSecond = *u.queriesPerSecond
	}
	if u.workersPerQuery != nil {
		s.WorkersPerQuery = *u.workersPerQuery
	}
}
