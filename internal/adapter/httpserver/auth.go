package httpserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params tunes Argon2id key derivation for admin passwords.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// DefaultArgon2Params returns the hashing parameters used for admin passwords.
func DefaultArgon2Params() Argon2Params { return defaultArgon2Params }

// b64 encodes salt and key material inside encoded hashes.
var b64 = base64.RawStdEncoding

// HashPassword derives an Argon2id key from password and encodes it as
// "argon2id$iterations$memory$parallelism$salt$key".
func HashPassword(password string, p Argon2Params) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	return strings.Join([]string{
		"argon2id",
		strconv.FormatUint(uint64(p.Iterations), 10),
		strconv.FormatUint(uint64(p.Memory), 10),
		strconv.FormatUint(uint64(p.Parallelism), 10),
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	}, "$"), nil
}

// decodeHash splits an encoded hash back into parameters, salt and key.
// ok is false for anything that does not parse as our argon2id format.
func decodeHash(encoded string) (p Argon2Params, salt, key []byte, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return Argon2Params{}, nil, nil, false
	}
	iters, errI := strconv.ParseUint(parts[1], 10, 32)
	mem, errM := strconv.ParseUint(parts[2], 10, 32)
	par, errP := strconv.ParseUint(parts[3], 10, 8)
	if errI != nil || errM != nil || errP != nil {
		return Argon2Params{}, nil, nil, false
	}
	salt, errS := b64.DecodeString(parts[4])
	key, errK := b64.DecodeString(parts[5])
	if errS != nil || errK != nil || len(salt) == 0 || len(key) == 0 {
		return Argon2Params{}, nil, nil, false
	}
	p = Argon2Params{
		Memory:      uint32(mem),
		Iterations:  uint32(iters),
		Parallelism: uint8(par),
		KeyLen:      uint32(len(key)),
	}
	return p, salt, key, true
}

// VerifyPassword reports whether password matches the encoded Argon2id
// hash. Malformed hashes verify as false.
func VerifyPassword(password, encoded string) bool {
	p, salt, key, ok := decodeHash(encoded)
	if !ok {
		return false
	}
	derived := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	return subtle.ConstantTimeCompare(derived, key) == 1
}

// AdminAPIGuard protects mutating endpoints with HTTP Basic credentials
// whose password verifies against the configured Argon2id hash. When no
// admin credentials are configured the guard passes requests through.
func (s *Server) AdminAPIGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Cfg.AdminEnabled() {
				next.ServeHTTP(w, r)
				return
			}
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.Cfg.AdminUsername)) != 1 ||
				!VerifyPassword(pass, s.Cfg.AdminPasswordHash) {
				w.Header().Set("WWW-Authenticate", `Basic realm="catalog-sync admin"`)
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHORIZED",
					Message: "admin credentials required",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
