package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Every transition runs as a Lua script so the read of the previous state and the write
// happen atomically across server processes.
var (
	setOnlineScript = redis.NewScript(`
local was = redis.call('HGET', KEYS[1], 'online')
local prev = redis.call('HGET', KEYS[1], 'class')
if prev and prev ~= ARGV[2] then
  redis.call('SREM', ARGV[4] .. prev, ARGV[1])
end
redis.call('SADD', ARGV[4] .. ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'online', '1', 'class', ARGV[2], 'seen', ARGV[3])
if ARGV[5] == '1' then
  redis.call('HSET', KEYS[1], 'lat', ARGV[6], 'lon', ARGV[7])
end
if was == '1' then return 0 end
return 1
`)
	setOfflineScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'online') ~= '1' then return 0 end
local cls = redis.call('HGET', KEYS[1], 'class')
if cls then
  redis.call('SREM', ARGV[2] .. cls, ARGV[1])
end
redis.call('HSET', KEYS[1], 'online', '0', 'seen', ARGV[3])
return 1
`)
	updateLocationScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'online') ~= '1' then return 0 end
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lon', ARGV[2], 'seen', ARGV[3])
return 1
`)
)

// RedisRegistry shares presence between server processes. Each driver is a hash under
// <prefix>driver:<id>; online drivers are also members of <prefix>online:<class>.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(client redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "presence:"
	}
	return &RedisRegistry{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRegistry) driverKey(id models.ActorID) string { return r.prefix + "driver:" + string(id) }

func (r *RedisRegistry) classPrefix() string { return r.prefix + "online:" }

func (r *RedisRegistry) seen() string { return strconv.FormatInt(r.now().UnixMilli(), 10) }

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (r *RedisRegistry) SetOnline(ctx context.Context, id models.ActorID, class models.VehicleClass, loc *models.Coord) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	hasLoc, lat, lon := "0", "", ""
	if loc != nil {
		hasLoc, lat, lon = "1", formatFloat(loc.Lat), formatFloat(loc.Lon)
	}
	n, err := setOnlineScript.Run(ctx, r.client, []string{r.driverKey(id)},
		string(id), string(class), r.seen(), r.classPrefix(), hasLoc, lat, lon).Int()
	if err != nil {
		return false, fmt.Errorf("presence set online: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) SetOffline(ctx context.Context, id models.ActorID) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	n, err := setOfflineScript.Run(ctx, r.client, []string{r.driverKey(id)},
		string(id), r.classPrefix(), r.seen()).Int()
	if err != nil {
		return false, fmt.Errorf("presence set offline: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) IsOnline(ctx context.Context, id models.ActorID) (bool, error) {
	v, err := r.client.HGet(ctx, r.driverKey(id), "online").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (r *RedisRegistry) ListOnlineByVehicleClass(ctx context.Context, class models.VehicleClass) ([]models.ActorID, error) {
	members, err := r.client.SMembers(ctx, r.classPrefix()+string(class)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]models.ActorID, 0, len(members))
	for _, m := range members {
		out = append(out, models.ActorID(m))
	}
	return out, nil
}

func (r *RedisRegistry) UpdateLocation(ctx context.Context, id models.ActorID, loc models.Coord) (bool, error) {
	if id.IsZero() {
		return false, models.ErrEmptyActorID
	}
	n, err := updateLocationScript.Run(ctx, r.client, []string{r.driverKey(id)},
		formatFloat(loc.Lat), formatFloat(loc.Lon), r.seen()).Int()
	if err != nil {
		return false, fmt.Errorf("presence update location: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Get(ctx context.Context, id models.ActorID) (*models.PresenceRecord, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(id)).Result()
	if err != nil {
		return nil, err
	}
	rec := &models.PresenceRecord{
		DriverID:     id,
		Online:       m["online"] == "1",
		VehicleClass: models.VehicleClass(m["class"]),
	}
	if ms, err := strconv.ParseInt(m["seen"], 10, 64); err == nil {
		rec.LastSeenAt = time.UnixMilli(ms)
	}
	lat, latErr := strconv.ParseFloat(m["lat"], 64)
	lon, lonErr := strconv.ParseFloat(m["lon"], 64)
	if latErr == nil && lonErr == nil {
		rec.Location = &models.Coord{Lat: lat, Lon: lon}
	}
	return rec, nil
}
