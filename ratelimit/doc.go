// Package ratelimit bounds how often each scaler may ask for work.
//
// A scaler that polls tasks.receive in a tight loop against an empty pool
// costs a store scan per call. MemoryLimiter keeps one token bucket per
// scaler; the queue rejects calls that find the bucket empty with a
// RATE_LIMITED error that carries the wait until the next token.
//
//	limiter, _ := ratelimit.NewMemoryLimiter(ratelimit.Config{
//		Capacity: 10,
//		Window:   time.Second,
//	})
//	q := queue.New(st, reg, queue.WithReceiveLimiter(limiter))
//
// Limits are per process. Several taskqueued replicas behind a balancer
// each grant the full rate.
package ratelimit
