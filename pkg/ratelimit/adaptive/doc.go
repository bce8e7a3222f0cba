// Package adaptive implements fixed-window rate limiting whose effective
// limit follows system load.
//
// Each (category, identifier) pair gets one counter in the shared store. The
// first request creates it with the window length as its expiry, so the
// window starts at that request and every instance sees the same reset time
// through the counter's remaining ttl. The counter is incremented atomically
// and then compared with the effective limit. Under concurrency this
// count-then-check can admit a few requests beyond the limit; the overshoot
// is bounded by the number of requests in flight at the boundary.
//
// The effective limit is
//
//	clamp(round(limit * factor), minLimit, maxLimit)
//
// where factor comes from a LoadSource, usually a CachedLoad that samples
// cpu, memory and concurrency pressure at a bounded rate.
package adaptive
