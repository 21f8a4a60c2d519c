package dispatcher

import "errors"

// ErrRateLimited is returned by RateLimiter.Reserve when a channel's hourly budget is spent
var ErrRateLimited = errors.New("rate limit exceeded")
