package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// PasswordHasher hashes and verifies passwords. New hashes use bcrypt;
// argon2id PHC strings are accepted for verification. Work is bounded by a
// weighted semaphore so hashing bursts cannot starve the process.
type PasswordHasher struct {
	cost int
	sem  *semaphore.Weighted

	dummyOnce sync.Once
	dummy     string
}

// NewPasswordHasher returns a hasher with the given bcrypt cost and maximum
// number of concurrent hash operations. Zero values select defaults.
func NewPasswordHasher(cost, concurrency int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &PasswordHasher{cost: cost, sem: semaphore.NewWeighted(int64(concurrency))}
}

// Hash returns a bcrypt digest of password.
func (h *PasswordHasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password is too long", ErrInvalidInput)
		}
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. A non-nil error means the
// check could not run (cancelled context or unreadable digest).
func (h *PasswordHasher) Verify(ctx context.Context, hash, password string) (bool, error) {
	if hash == "" {
		return false, errors.New("password hash is empty")
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.sem.Release(1)
	if strings.HasPrefix(hash, "$argon2id$") {
		return verifyArgon2id(hash, password)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// Burn runs a verification against a throwaway digest so that lookups of
// unknown accounts take as long as real ones.
func (h *PasswordHasher) Burn(ctx context.Context, password string) {
	h.dummyOnce.Do(func() {
		var buf [16]byte
		_, _ = rand.Read(buf[:])
		hash, err := bcrypt.GenerateFromPassword(buf[:], h.cost)
		if err == nil {
			h.dummy = string(hash)
		}
	})
	if h.dummy != "" {
		_, _ = h.Verify(ctx, h.dummy, password)
	}
}

// Limits on stored argon2id parameters. Digests outside them are refused
// before any key derivation runs.
const (
	maxArgon2Memory     = 256 * 1024 // KiB
	maxArgon2Iterations = 16
	maxArgon2Threads    = 16
	minArgon2Salt       = 8
	minArgon2Key        = 16
	maxArgon2Key        = 64
)

// verifyArgon2id checks a PHC string: $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func verifyArgon2id(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, errors.New("argon2id: invalid hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("argon2id: parse version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("argon2id: unsupported version %d", version)
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("argon2id: parse params: %w", err)
	}
	if iterations < 1 || iterations > maxArgon2Iterations {
		return false, fmt.Errorf("argon2id: iterations %d out of range", iterations)
	}
	if threads < 1 || threads > maxArgon2Threads {
		return false, fmt.Errorf("argon2id: parallelism %d out of range", threads)
	}
	if memory < 8*uint32(threads) || memory > maxArgon2Memory {
		return false, fmt.Errorf("argon2id: memory %d KiB out of range", memory)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("argon2id: decode salt: %w", err)
	}
	if len(salt) < minArgon2Salt {
		return false, errors.New("argon2id: salt too short")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("argon2id: decode hash: %w", err)
	}
	if len(want) < minArgon2Key || len(want) > maxArgon2Key {
		return false, fmt.Errorf("argon2id: key length %d out of range", len(want))
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// EncodeArgon2id produces a PHC string. Used for imported credentials and tests.
func EncodeArgon2id(password string, salt []byte, memory, iterations uint32, threads uint8) string {
	key := argon2.IDKey([]byte(password), salt, iterations, memory, threads, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, iterations, threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}
