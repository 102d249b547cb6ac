package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	// First is set only on the observation that crossed the threshold, so
	// callers can raise one alert per window.
	First     bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts failed security events per client IP across replicas
// and reports when a rule's threshold is reached.
type AuditAlerter struct {
	redisClient redis.UniversalClient
	prefix      string
	now         func() time.Time
}

// NewAuditAlerter creates an alerter on an existing Redis client.
func NewAuditAlerter(client redis.UniversalClient, prefix string) (*AuditAlerter, error) {
	if client == nil {
		return nil, errors.New("audit alerter requires redis")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "smartlibrary:lending:alerts"
	}
	return &AuditAlerter{redisClient: client, prefix: prefix, now: time.Now}, nil
}

// Observe records a security event and returns whether alert threshold is reached.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.redisClient == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	windowMs := window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count >= threshold
	result.First = count == threshold
	return result, nil
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	event = strings.TrimSpace(event)
	outcome = strings.TrimSpace(outcome)
	if outcome == "rate_limited" {
		return 20, time.Minute, true
	}
	if outcome != "fail" {
		return 0, 0, false
	}
	switch event {
	case "lending.authorize":
		return 25, 5 * time.Minute, true
	case "lending.admin.authorize":
		return 10, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
