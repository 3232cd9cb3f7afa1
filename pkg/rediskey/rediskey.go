package rediskey

import "fmt"

// Reconciliation keys shared by every worker process.
const (
	RateLimitPrefix = "ratelimit"
	LockPrefix      = "lock"
	CooldownPrefix  = "cooldown"

	ProviderCallsPerMinute = "provider-calls-per-minute"
	StatusSweep            = "status-sweep"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRateLimitKey returns "ratelimit:{name}"
func BuildRateLimitKey(name string) string {
	return NamespaceKey(RateLimitPrefix, name)
}

// BuildLockKey returns "lock:{name}"
func BuildLockKey(name string) string {
	return NamespaceKey(LockPrefix, name)
}

// BuildCooldownKey returns "cooldown:{name}"
func BuildCooldownKey(name string) string {
	return NamespaceKey(CooldownPrefix, name)
}

// ProviderRateKey is the counter bounding outbound provider calls.
func ProviderRateKey() string {
	return BuildRateLimitKey(ProviderCallsPerMinute)
}

// SweepLockKey guards a single running bulk sweep.
func SweepLockKey() string {
	return BuildLockKey(StatusSweep)
}

// SweepCooldownKey enforces the minimum interval between sweeps.
func SweepCooldownKey() string {
	return BuildCooldownKey(StatusSweep)
}
