package mq

import "context"

// TokenLimiter is a counting FetchLimiter. It bounds how many fetched match
// requests are being handled at once.
type TokenLimiter struct {
	tokens chan struct{}
}

// NewTokenLimiter creates a limiter with a fixed capacity.
func NewTokenLimiter(size int) *TokenLimiter {
	if size <= 0 {
		size = 1
	}
	return &TokenLimiter{tokens: make(chan struct{}, size)}
}

// Acquire blocks until a token is available or ctx is canceled.
func (l *TokenLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.tokens <- struct{}{}:
		return nil
	}
}

// Release returns a token. Releasing more than was acquired is a no-op.
func (l *TokenLimiter) Release() {
	select {
	case <-l.tokens:
	default:
	}
}

// InUse returns the number of tokens currently held.
func (l *TokenLimiter) InUse() int {
	return len(l.tokens)
}

// Capacity returns the total number of tokens.
func (l *TokenLimiter) Capacity() int {
	return cap(l.tokens)
}
