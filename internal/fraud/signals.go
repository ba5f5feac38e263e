package fraud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "gatescan:fraud:"

// Location is where and when a ticket of an order was last presented.
type Location struct {
	Lat float64
	Lng float64
	At  time.Time
}

// Signals is the short-lived memory the rules consult across scans.
type Signals interface {
	// TicketsForFingerprint records ticketID against fingerprint and returns
	// the number of distinct tickets seen from it within window.
	TicketsForFingerprint(ctx context.Context, fingerprint, ticketID string, window time.Duration) (int64, error)
	// ScansFromIP counts scans from ip within window, this one included.
	ScansFromIP(ctx context.Context, ip string, window time.Duration) (int64, error)
	// SwapLastLocation stores loc for orderID and returns the previous one.
	SwapLastLocation(ctx context.Context, orderID string, loc Location, ttl time.Duration) (*Location, error)
}

type RedisSignals struct {
	client *redis.Client
}

func NewRedisSignals(client *redis.Client) *RedisSignals {
	return &RedisSignals{client: client}
}

func (r *RedisSignals) TicketsForFingerprint(ctx context.Context, fingerprint, ticketID string, window time.Duration) (int64, error) {
	key := keyPrefix + "fp:" + fingerprint
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, ticketID)
	pipe.Expire(ctx, key, window)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("fingerprint signal: %w", err)
	}
	return card.Val(), nil
}

func (r *RedisSignals) ScansFromIP(ctx context.Context, ip string, window time.Duration) (int64, error) {
	key := keyPrefix + "ip:" + ip
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ip signal: %w", err)
	}
	// The window starts at the first scan.
	if n == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("ip signal: %w", err)
		}
	}
	return n, nil
}

func (r *RedisSignals) SwapLastLocation(ctx context.Context, orderID string, loc Location, ttl time.Duration) (*Location, error) {
	key := keyPrefix + "loc:" + orderID
	prev, err := r.client.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("location signal: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lng", strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		"at", loc.At.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("location signal: %w", err)
	}

	if len(prev) == 0 {
		return nil, nil
	}
	return parseLocation(prev), nil
}

func parseLocation(fields map[string]string) *Location {
	lat, err1 := strconv.ParseFloat(fields["lat"], 64)
	lng, err2 := strconv.ParseFloat(fields["lng"], 64)
	at, err3 := time.Parse(time.RFC3339Nano, fields["at"])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return &Location{Lat: lat, Lng: lng, At: at}
}
