package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per key. A full bucket of burst events may be
// spent at once; it refills at burst per window.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
	nowFn    func() time.Time
}

func newLimiterSet(burst int, window time.Duration, nowFn func() time.Time) *limiterSet {
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
		nowFn:    nowFn,
	}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.every, s.burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.AllowN(s.nowFn(), 1)
}

func hashSecret(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func equalHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// randomDigits returns n decimal digits from crypto/rand.
func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	ten := big.NewInt(10)
	for i := range out {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}

func randomBase32(bytesLen int) (string, error) {
	raw := make([]byte, bytesLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return strings.TrimRight(base32.StdEncoding.EncodeToString(raw), "="), nil
}
