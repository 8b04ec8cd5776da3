package redis

import "tripsync/internal/kv"

// Ensure concrete types implement interfaces.
var _ kv.ExpiringStore = (*Store)(nil)
