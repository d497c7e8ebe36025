// Package params holds the mutable configuration that drives each simulation
// iteration, together with the list of tasks to simulate.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Recognised field names accepted by Store.SetFields.
const (
	FieldProtocol         = "protocol"
	FieldPort             = "port"
	FieldWorkersNumber    = "workers_number"
	FieldPeriodTime       = "period_time"
	FieldQueriesPerSecond = "queries_per_second"
	FieldWorkersPerQuery  = "workers_per_query"
)

// FieldNames lists every field SetFields understands, in wire order.
var FieldNames = []string{
	FieldProtocol,
	FieldPort,
	FieldWorkersNumber,
	FieldPeriodTime,
	FieldQueriesPerSecond,
	FieldWorkersPerQuery,
}

var (
	// ErrInvalidField is returned when a field value cannot be coerced into
	// the field's type or, with validation enabled, is out of range.
	ErrInvalidField = errors.New("invalid parameter")
	// ErrInvalidTask is returned when a task entry is malformed.
	ErrInvalidTask = errors.New("invalid task")
)

// FieldError describes a rejected field value. It matches ErrInvalidField
// under errors.Is.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid parameter %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Is reports whether target is ErrInvalidField.
func (e *FieldError) Is(target error) bool { return target == ErrInvalidField }

// TaskID is an opaque caller-supplied identifier. IDs received as JSON
// numbers are kept in their decimal text form and encoded back as numbers.
type TaskID string

// MarshalJSON emits numeric IDs as JSON numbers and everything else as
// strings.
func (id TaskID) MarshalJSON() ([]byte, error) {
	if isJSONNumber(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *TaskID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = TaskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: id must be a string or number", ErrInvalidTask)
	}
	*id = TaskID(n.String())
	return nil
}

// Task is a single query to submit during an iteration. Tasks are immutable
// once stored; the whole list is replaced at once.
type Task struct {
	ID    TaskID `json:"id" yaml:"id"`
	Query string `json:"query" yaml:"query"`
}

// Snapshot is a consistent copy of the parameter set. Callers own the
// returned value and its Tasks slice.
type Snapshot struct {
	Protocol         string
	Port             int
	WorkersNumber    int
	PeriodTime       time.Duration
	QueriesPerSecond float64
	WorkersPerQuery  int
	Tasks            []Task
}

// Default returns the parameter set a fresh Store starts with.
func Default() Snapshot {
	return Snapshot{
		Protocol:         "dryrun",
		Port:             7687,
		WorkersNumber:    1,
		PeriodTime:       time.Second,
		QueriesPerSecond: 10,
		WorkersPerQuery:  1,
		Tasks:            []Task{},
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Tasks = make([]Task, len(s.Tasks))
	copy(out.Tasks, s.Tasks)
	return out
}

// StructuralKey identifies the fields that require an executor to be set up
// again when they change.
func (s Snapshot) StructuralKey() string {
	return fmt.Sprintf("%s|%d|%d", s.Protocol, s.Port, s.WorkersNumber)
}

type snapshotJSON struct {
	Protocol         string  `json:"protocol"`
	Port             int     `json:"port"`
	WorkersNumber    int     `json:"workers_number"`
	PeriodTime       float64 `json:"period_time"`
	QueriesPerSecond float64 `json:"queries_per_second"`
	WorkersPerQuery  int     `json:"workers_per_query"`
	Tasks            []Task  `json:"tasks"`
}

// MarshalJSON encodes the snapshot with period_time expressed in seconds.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	tasks := s.Tasks
	if tasks == nil {
		tasks = []Task{}
	}
	return json.Marshal(snapshotJSON{
		Protocol:         s.Protocol,
		Port:             s.Port,
		WorkersNumber:    s.WorkersNumber,
		PeriodTime:       s.PeriodTime.Seconds(),
		QueriesPerSecond: s.QueriesPerSecond,
		WorkersPerQuery:  s.WorkersPerQuery,
		Tasks:            tasks,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Snapshot{
		Protocol:         raw.Protocol,
		Port:             raw.Port,
		WorkersNumber:    raw.WorkersNumber,
		PeriodTime:       secondsToDuration(raw.PeriodTime),
		QueriesPerSecond: raw.QueriesPerSecond,
		WorkersPerQuery:  raw.WorkersPerQuery,
		Tasks:            raw.Tasks,
	}
	return nil
}

// TasksFromValues converts generically decoded task entries (as produced by
// encoding/json into []any, or structpb.ListValue.AsSlice) into Tasks.
func TasksFromValues(values []any) ([]Task, error) {
	tasks := make([]Task, 0, len(values))
	for i, v := range values {
		entry, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is %T, want object", ErrInvalidTask, i, v)
		}
		rawID, ok := entry["id"]
		if !ok || rawID == nil {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrInvalidTask, i)
		}
		id, err := taskIDFromValue(rawID)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidTask, i, err)
		}
		query, ok := entry["query"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d has no query string", ErrInvalidTask, i)
		}
		tasks = append(tasks, Task{ID: id, Query: query})
	}
	return tasks, nil
}

func taskIDFromValue(v any) (TaskID, error) {
	switch id := v.(type) {
	case string:
		return TaskID(id), nil
	case json.Number:
		return TaskID(id.String()), nil
	case float64:
		return TaskID(strconv.FormatFloat(id, 'f', -1, 64)), nil
	case int:
		return TaskID(strconv.Itoa(id)), nil
	case int64:
		return TaskID(strconv.FormatInt(id, 10)), nil
	default:
		return "", fmt.Errorf("id has unsupported type %T", v)
	}
}

func isJSONNumber(s string) bool {
	if s == "" {
		return false
	}
	if c := s[0]; c != '-' && (c < '0' || c > '9') {
		return false
	}
	return json.Valid([]byte(s))
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(math.Round(sec * float64(time.Second)))
}

// ---- coercion ----

func coerceString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: field, Value: v, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

func coerceInt(field string, v any) (int, error) {
	f, err := coerceFloat(field, v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, &FieldError{Field: field, Value: v, Reason: "expected an integer"}
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, &FieldError{Field: field, Value: v, Reason: "integer overflows"}
	}
	return int(f), nil
}

func coerceFloat(field string, v any) (float64, error) {
	f, err := toFloat(field, v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &FieldError{Field: field, Value: v, Reason: "must be finite"}
	}
	return f, nil
}

func toFloat(field string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, &FieldError{Field: field, Value: v, Reason: err.Error()}
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, &FieldError{Field: field, Value: v, Reason: "expected a number"}
		}
		return f, nil
	default:
		return 0, &FieldError{Field: field, Value: v, Reason: fmt.Sprintf("expected a number, got %T", v)}
	}
}

// coerceDuration accepts numbers (seconds), duration values, and strings in
// either time.ParseDuration syntax ("250ms") or plain seconds ("1.5").
func coerceDuration(field string, v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		trimmed := strings.TrimSpace(d)
		if parsed, err := time.ParseDuration(trimmed); err == nil {
			return parsed, nil
		}
		if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
			return 0, &FieldError{Field: field, Value: v, Reason: "expected seconds or a duration string"}
		}
	}
	f, err := coerceFloat(field, v)
	if err != nil {
		return 0, err
	}
	if math.Abs(f)*float64(time.Second) >= math.MaxInt64 {
		return 0, &FieldError{Field: field, Value: v, Reason: "out of range"}
	}
	return secondsToDuration(f), nil
}
