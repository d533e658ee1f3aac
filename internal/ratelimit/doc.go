// Package ratelimit bounds the number of requests a client identity may make
// in a fixed window (100 per 15 minutes by default).
//
// The count lives behind a Store whose Hit is a single atomic
// increment-and-check, so the same Limiter works with the in-process
// MemoryStore on one instance or the RedisStore when several gateway
// instances must share a quota. A store failure never blocks traffic: the
// request is let through and the failure is logged and counted.
package ratelimit
