package collection

import "time"

// Options configures the Collection facade.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	// SearchLimit is used when a search asks for no limit.
	SearchLimit int
	// Now stamps updated_at on collection writes. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		CacheSize:   1024,
		CacheTTL:    5 * time.Minute,
		SearchLimit: 50,
		Now:         time.Now,
	}
}
