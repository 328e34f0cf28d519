// Package normalize converts heterogeneous ledger wire payloads into the
// canonical domain.PropertyRecord shape. Backend versions disagree on
// framing: a listing response may be a bare JSON array or wrapped in a
// {"properties": [...]} envelope, a single record may arrive bare, wrapped
// in {"property": ...}, or double-encoded as a JSON string. History entry
// timestamps appear both as "2006-01-02" dates and RFC3339 instants, and
// prices as numbers or numeric strings. All of that is absorbed here, once,
// instead of per call site.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
)

// Error reports a single payload element that could not be normalized.
// Malformed elements are skipped, never fatal to the batch.
type Error struct {
	Index int
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Record normalizes a single record payload.
func Record(raw json.RawMessage) (domain.PropertyRecord, error) {
	raw, err := unwrap(raw, "property")
	if err != nil {
		return domain.PropertyRecord{}, err
	}

	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.PropertyRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return w.toDomain()
}

// Records normalizes a listing payload. Elements that fail to normalize are
// skipped and reported; the remaining records are still returned.
func Records(raw json.RawMessage) ([]domain.PropertyRecord, []*Error) {
	raw, err := unwrap(raw, "properties")
	if err != nil {
		return nil, []*Error{{Index: -1, Cause: err}}
	}

	var elems []json.RawMessage
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, []*Error{{Index: -1, Cause: fmt.Errorf("decode listing: %w", err)}}
		}
	} else {
		// A single record is an acceptable listing of one.
		elems = []json.RawMessage{raw}
	}

	records := make([]domain.PropertyRecord, 0, len(elems))
	var errs []*Error
	for i, elem := range elems {
		rec, err := Record(elem)
		if err != nil {
			errs = append(errs, &Error{Index: i, Cause: err})
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// unwrap strips one level of string encoding and one envelope field. It
// returns the payload unchanged when neither applies.
func unwrap(raw json.RawMessage, envelope string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("empty payload")
	}

	// Some gateway versions double-encode the body as a JSON string.
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("decode string payload: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
		if len(trimmed) == 0 {
			return nil, fmt.Errorf("empty payload")
		}
	}

	if trimmed[0] != '{' {
		return trimmed, nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	for k, v := range env {
		if strings.EqualFold(k, envelope) {
			return unwrap(v, envelope)
		}
	}
	return trimmed, nil
}

// wireRecord mirrors every field spelling the backends have shipped.
// encoding/json matches keys case-insensitively, which covers the
// differently-cased variants.
type wireRecord struct {
	ID           string      `json:"id"`
	Address      string      `json:"address"`
	CreatedBy    string      `json:"createdBy"`
	PhotoURL     string      `json:"photoUrl"`
	OwnerHistory []wireOwner `json:"ownerHistory"`
	PriceHistory []wirePrice `json:"priceHistory"`

	// Flat reservation fields (chaincode shape).
	ReservedBy string   `json:"reservedBy"`
	ReservedAt flexTime `json:"reservedAt"`
	ExpiresAt  flexTime `json:"expiresAt"`

	// Nested reservation object (newer gateway shape).
	Reservation *wireLease `json:"reservation"`
}

type wireOwner struct {
	Owner string   `json:"owner"`
	Date  flexTime `json:"date"`
	At    flexTime `json:"at"`
}

type wirePrice struct {
	Price flexInt64 `json:"price"`
	Date  flexTime  `json:"date"`
	At    flexTime  `json:"at"`
}

type wireLease struct {
	Holder     string   `json:"holder"`
	AcquiredAt flexTime `json:"acquiredAt"`
	ExpiresAt  flexTime `json:"expiresAt"`
}

func (w wireRecord) toDomain() (domain.PropertyRecord, error) {
	if w.ID == "" {
		return domain.PropertyRecord{}, fmt.Errorf("missing id")
	}

	rec := domain.PropertyRecord{
		ID:           w.ID,
		Address:      w.Address,
		CreatedBy:    w.CreatedBy,
		PhotoURL:     w.PhotoURL,
		OwnerHistory: make([]domain.OwnerEntry, 0, len(w.OwnerHistory)),
		PriceHistory: make([]domain.PriceEntry, 0, len(w.PriceHistory)),
	}

	for _, o := range w.OwnerHistory {
		rec.OwnerHistory = append(rec.OwnerHistory, domain.OwnerEntry{
			Owner: o.Owner,
			At:    firstTime(o.At, o.Date),
		})
	}
	for _, p := range w.PriceHistory {
		rec.PriceHistory = append(rec.PriceHistory, domain.PriceEntry{
			Price: int64(p.Price),
			At:    firstTime(p.At, p.Date),
		})
	}

	switch {
	case w.Reservation != nil && w.Reservation.Holder != "":
		rec.Reservation = &domain.Lease{
			Holder:     w.Reservation.Holder,
			AcquiredAt: time.Time(w.Reservation.AcquiredAt),
			ExpiresAt:  time.Time(w.Reservation.ExpiresAt),
		}
	case w.ReservedBy != "" && !time.Time(w.ExpiresAt).IsZero():
		rec.Reservation = &domain.Lease{
			Holder:     w.ReservedBy,
			AcquiredAt: time.Time(w.ReservedAt),
			ExpiresAt:  time.Time(w.ExpiresAt),
		}
	}

	return rec, nil
}

func firstTime(a, b flexTime) time.Time {
	if !time.Time(a).IsZero() {
		return time.Time(a)
	}
	return time.Time(b)
}

// flexTime accepts RFC3339 instants, bare "2006-01-02" dates, and unix
// second numbers. Absent and empty values decode to the zero time.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			*t = flexTime(parsed.UTC())
			return nil
		}
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			return fmt.Errorf("unrecognized timestamp %q", s)
		}
		*t = flexTime(parsed.UTC())
		return nil
	}

	var unix int64
	if err := json.Unmarshal(data, &unix); err != nil {
		return fmt.Errorf("unrecognized timestamp %s", data)
	}
	if unix > 0 {
		*t = flexTime(time.Unix(unix, 0).UTC())
	}
	return nil
}

// flexInt64 accepts JSON numbers and numeric strings.
type flexInt64 int64

func (n *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		data = []byte(s)
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("unrecognized price %s", data)
	}
	v, err := num.Int64()
	if err != nil {
		// Tolerate decimal notation by truncating toward zero.
		f, ferr := num.Float64()
		if ferr != nil {
			return fmt.Errorf("unrecognized price %q", num)
		}
		v = int64(f)
	}
	*n = flexInt64(v)
	return nil
}
