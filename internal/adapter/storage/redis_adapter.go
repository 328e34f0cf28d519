package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
)

const (
	propertyKeyPrefix = "property:"
	propertyIndexKey  = "properties"
)

// Lease fields live in the same hash as the record, so acquisition is a
// single server-side script: the store, not the client, decides the race.
// Return codes: 1 granted, 0 already held, -1 no such property.
var acquireLeaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
	return -1
end

local reservedBy = redis.call('HGET', key, 'reservedBy')
local expiresAt = tonumber(redis.call('HGET', key, 'expiresAt')) or 0
local now = tonumber(ARGV[2])

if reservedBy and reservedBy ~= '' and now < expiresAt then
	return 0
end

redis.call('HSET', key, 'reservedBy', ARGV[1], 'reservedAt', ARGV[3], 'expiresAt', ARGV[4])
return 1
`)

// Return codes: 1 released, 0 holder mismatch, -1 no such property.
var releaseLeaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
	return -1
end

local reservedBy = redis.call('HGET', key, 'reservedBy')
if not reservedBy or reservedBy ~= ARGV[1] then
	return 0
end

redis.call('HSET', key, 'reservedBy', '', 'reservedAt', '', 'expiresAt', 0)
return 1
`)

// RedisLedger stores each property as a hash keyed by id, histories as
// JSON-encoded arrays inside the hash, mirroring the per-key document model
// of the upstream chaincode state store.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (r *RedisLedger) List(ctx context.Context, filter domain.Filter) (json.RawMessage, error) {
	ids, err := r.client.SMembers(ctx, propertyIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list property ids: %w", err)
	}

	payloads := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, propertyKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("read property %s: %w", id, err)
		}
		if len(fields) == 0 {
			// Index entry without a hash: removed out of band, skip.
			continue
		}
		if filter.CreatedBy != "" && fields["createdBy"] != filter.CreatedBy {
			continue
		}
		doc, err := docFromHash(fields)
		if err != nil {
			return nil, fmt.Errorf("assemble property %s: %w", id, err)
		}
		payloads = append(payloads, doc)
	}

	return json.Marshal(payloads)
}

func (r *RedisLedger) Get(ctx context.Context, id string) (json.RawMessage, error) {
	fields, err := r.client.HGetAll(ctx, propertyKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("read property %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return docFromHash(fields)
}

// AppendEvent appends one owner entry and one price entry, creating the
// record on first append. Concurrent appends to the same id are serialized
// with an optimistic WATCH transaction.
func (r *RedisLedger) AppendEvent(ctx context.Context, id string, ev domain.Event) (json.RawMessage, error) {
	key := propertyKeyPrefix + id

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		var owners []hashOwnerEntry
		var prices []hashPriceEntry
		creating := len(fields) == 0
		if !creating {
			if err := json.Unmarshal([]byte(orEmptyArray(fields["ownerHistory"])), &owners); err != nil {
				return fmt.Errorf("decode owner history: %w", err)
			}
			if err := json.Unmarshal([]byte(orEmptyArray(fields["priceHistory"])), &prices); err != nil {
				return fmt.Errorf("decode price history: %w", err)
			}
		}

		at := ev.At.UTC().Format(time.RFC3339)
		owners = append(owners, hashOwnerEntry{Owner: ev.Owner, Date: at})
		prices = append(prices, hashPriceEntry{Price: ev.Price, Date: at})

		ownersJSON, err := json.Marshal(owners)
		if err != nil {
			return err
		}
		pricesJSON, err := json.Marshal(prices)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if creating {
				pipe.HSet(ctx, key,
					"id", id,
					"address", ev.Address,
					"createdBy", ev.CreatedBy,
					"photoUrl", ev.PhotoURL,
					"reservedBy", "",
					"reservedAt", "",
					"expiresAt", 0,
				)
				pipe.SAdd(ctx, propertyIndexKey, id)
			}
			pipe.HSet(ctx, key, "ownerHistory", string(ownersJSON), "priceHistory", string(pricesJSON))
			return nil
		})
		return err
	}

	// TxFailedErr means another writer touched the key between read and
	// commit; retry the whole read-modify-write.
	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return r.Get(ctx, id)
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("append event: %w", err)
		}
	}
	return nil, fmt.Errorf("append event: too much contention on %s", id)
}

func (r *RedisLedger) TryAcquireLease(ctx context.Context, id, holder string, ttl time.Duration) (domain.Lease, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	result, err := acquireLeaseScript.Run(ctx, r.client,
		[]string{propertyKeyPrefix + id},
		holder, now.Unix(), now.Format(time.RFC3339), expiresAt.Unix(),
	).Int()
	if err != nil {
		return domain.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}

	switch result {
	case 1:
		return domain.Lease{Holder: holder, AcquiredAt: now, ExpiresAt: expiresAt}, nil
	case 0:
		return domain.Lease{}, domain.ErrAlreadyHeld
	default:
		return domain.Lease{}, domain.ErrNotFound
	}
}

func (r *RedisLedger) ReleaseLease(ctx context.Context, id, holder string) error {
	result, err := releaseLeaseScript.Run(ctx, r.client,
		[]string{propertyKeyPrefix + id}, holder,
	).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	switch result {
	case 1:
		return nil
	case 0:
		return domain.ErrNotHolder
	default:
		return domain.ErrNotFound
	}
}

type hashOwnerEntry struct {
	Owner string `json:"owner"`
	Date  string `json:"date"`
}

type hashPriceEntry struct {
	Price int64  `json:"price"`
	Date  string `json:"date"`
}

// hashDoc is the wire shape assembled from a property hash; it matches the
// flat chaincode document the normalizer already understands.
type hashDoc struct {
	ID           string          `json:"id"`
	Address      string          `json:"address"`
	CreatedBy    string          `json:"createdBy"`
	PhotoURL     string          `json:"photoUrl"`
	OwnerHistory json.RawMessage `json:"ownerHistory"`
	PriceHistory json.RawMessage `json:"priceHistory"`
	ReservedBy   string          `json:"reservedBy"`
	ReservedAt   string          `json:"reservedAt"`
	ExpiresAt    int64           `json:"expiresAt"`
}

func docFromHash(fields map[string]string) (json.RawMessage, error) {
	expiresAt, _ := strconv.ParseInt(fields["expiresAt"], 10, 64)
	doc := hashDoc{
		ID:           fields["id"],
		Address:      fields["address"],
		CreatedBy:    fields["createdBy"],
		PhotoURL:     fields["photoUrl"],
		OwnerHistory: json.RawMessage(orEmptyArray(fields["ownerHistory"])),
		PriceHistory: json.RawMessage(orEmptyArray(fields["priceHistory"])),
		ReservedBy:   fields["reservedBy"],
		ReservedAt:   fields["reservedAt"],
		ExpiresAt:    expiresAt,
	}
	return json.Marshal(doc)
}

func orEmptyArray(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
