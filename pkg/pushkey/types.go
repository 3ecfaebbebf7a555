package pushkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidInput marks a malformed or missing required field.
	ErrInvalidInput = errors.New("invalid input")
	// ErrKeyNotFound is returned when no device is registered under a key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned by KeyStore.Put when the key is already taken.
	ErrKeyExists = errors.New("key already exists")
	// ErrTransport marks a push that never reached a provider verdict.
	ErrTransport = errors.New("push gateway transport failure")
)

// BadgeParam is the only extra parameter that receives special parsing.
const BadgeParam = "badge"

// DeviceRecord binds an opaque key to a device push token.
type DeviceRecord struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Params carries loosely-typed push options. Values are scalars (string,
// number or bool). Only BadgeParam is interpreted; everything else is passed
// through to the provider payload untouched.
type Params map[string]any

// Badge returns the badge count carried in p, defaulting to 0 when absent.
func (p Params) Badge() (int, error) {
	v, ok := p[BadgeParam]
	if !ok {
		return 0, nil
	}
	return ParseBadge(v)
}

// Passthrough returns every parameter except the recognised ones.
func (p Params) Passthrough() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if k == BadgeParam {
			continue
		}
		out[k] = v
	}
	return out
}

// Scalars returns a copy of p without nested or null values. Both the HTTP
// and the queued entry points apply it so they accept the same parameters.
func (p Params) Scalars() Params {
	out := make(Params, len(p))
	for k, v := range p {
		if _, ok := ScalarText(v); ok {
			out[k] = v
		}
	}
	return out
}

// ScalarText formats a string, bool or number as text. ok is false for
// nested or null values.
func ScalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// ParseBadge converts a badge value from a query string or JSON body into a
// non-negative integer no larger than MaxBadge.
func ParseBadge(v any) (int, error) {
	switch b := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: badge %q is not an integer", ErrInvalidInput, b)
		}
		return checkBadge(n)
	case int:
		return checkBadge(int64(b))
	case int64:
		return checkBadge(b)
	case float64:
		if b != math.Trunc(b) {
			return 0, fmt.Errorf("%w: badge %v is not an integer", ErrInvalidInput, b)
		}
		if b > MaxBadge || b < 0 {
			return 0, fmt.Errorf("%w: badge %v is out of range", ErrInvalidInput, b)
		}
		return int(b), nil
	default:
		return 0, fmt.Errorf("%w: badge has unsupported type %T", ErrInvalidInput, v)
	}
}

// MaxBadge is the largest badge count accepted; it fits an int on every platform.
const MaxBadge = math.MaxInt32

func checkBadge(n int64) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: badge %d is negative", ErrInvalidInput, n)
	}
	if n > MaxBadge {
		return 0, fmt.Errorf("%w: badge %d is out of range", ErrInvalidInput, n)
	}
	return int(n), nil
}

// PushRequest is the transient description of a single notification.
type PushRequest struct {
	Category    string
	Title       string
	Body        string
	ExtraParams Params
}

// OutcomeStatus tags an Outcome.
type OutcomeStatus int

const (
	StatusDelivered OutcomeStatus = iota
	StatusFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the provider's verdict on a push.
type Outcome struct {
	Status OutcomeStatus
	// Reason is the provider's error description; empty when delivered.
	Reason string
}

// Delivered reports a push accepted by the provider.
func Delivered() Outcome {
	return Outcome{Status: StatusDelivered}
}

// Failed reports a push rejected by the provider.
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

func (o Outcome) IsDelivered() bool {
	return o.Status == StatusDelivered
}
