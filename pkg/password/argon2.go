// Package password hashes credentials with Argon2id and enforces the
// portal's password policy. Hashes are PHC strings, so the parameters a
// hash was created with travel with it and verification never depends on
// current configuration.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16

	// maxPasswordBytes bounds KDF input so oversized bodies cannot buy
	// extra hashing work. Far above any legitimate password.
	maxPasswordBytes = 1024
)

// Params are the Argon2id cost parameters. The defaults cost roughly
// 100ms per verification on current server hardware.
type Params struct {
	MemoryKB    uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns the production cost parameters.
func DefaultParams() Params {
	return Params{
		MemoryKB:    64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// ParseParams reads a "m=65536,t=3,p=2" cost string, the shape carried in
// PASSWORD_KDF_PARAMS. Salt and key lengths are not tunable from config.
func ParseParams(s string) (Params, error) {
	p := DefaultParams()
	if s == "" {
		return p, nil
	}
	parsed, err := parseCostString(s)
	if err != nil {
		return Params{}, fmt.Errorf("password: parse kdf params %q: %w", s, err)
	}
	p.MemoryKB = parsed.memory
	p.Time = parsed.time
	p.Parallelism = parsed.parallelism
	if err := p.validate(); err != nil {
		return Params{}, fmt.Errorf("password: kdf params %q: %w", s, err)
	}
	return p, nil
}

func (p Params) validate() error {
	if p.MemoryKB < minMemoryKB {
		return errors.New("memory must be >= 8192 KB")
	}
	if p.Time < minTimeCost {
		return errors.New("time cost must be >= 1")
	}
	if p.Parallelism < minParallelism {
		return errors.New("parallelism must be >= 1")
	}
	if p.SaltLength < minSaltLength {
		return errors.New("salt length must be >= 16")
	}
	if p.KeyLength < minKeyLength {
		return errors.New("key length must be >= 16")
	}
	return nil
}

// Hasher hashes and verifies passwords with one set of cost parameters.
// Safe for concurrent use.
type Hasher struct {
	params Params
}

func NewHasher(params Params) (*Hasher, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	return &Hasher{params: params}, nil
}

// Hash derives an Argon2id hash of the password and encodes it as a PHC
// string. The password is used byte for byte; no normalization.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", errors.New("password: input exceeds 1024 bytes")
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("password: read salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		h.params.Time,
		h.params.MemoryKB,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.MemoryKB,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the parameters stored in encoded and
// compares in constant time. A malformed encoded hash is an error, not a
// mismatch.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if len(password) > maxPasswordBytes {
		return false, nil
	}

	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		uint32(len(parsed.hash)),
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// NeedsRehash reports whether encoded was created with weaker parameters
// than the hasher currently runs. Callers rehash on the next successful
// login.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if h.params.MemoryKB > parsed.memory {
		return true, nil
	}
	if h.params.Time > parsed.time {
		return true, nil
	}
	if h.params.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.params.KeyLength != uint32(len(parsed.hash)) {
		return true, nil
	}
	return false, nil
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("password: invalid PHC format")
	}
	if parts[1] != algorithmID {
		return nil, errors.New("password: unsupported algorithm")
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, errors.New("password: missing argon2 version")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, errors.New("password: unsupported argon2 version")
	}

	cost, err := parseCostString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, errors.New("password: invalid salt encoding")
	}
	if len(salt) < int(minSaltLength) {
		return nil, errors.New("password: salt too short")
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, errors.New("password: invalid hash encoding")
	}
	if len(hash) < int(minKeyLength) {
		return nil, errors.New("password: hash too short")
	}

	return &parsedPHC{
		memory:      cost.memory,
		time:        cost.time,
		parallelism: cost.parallelism,
		salt:        salt,
		hash:        hash,
	}, nil
}

type costString struct {
	memory      uint32
	time        uint32
	parallelism uint8
}

func parseCostString(s string) (*costString, error) {
	pairs := strings.Split(s, ",")
	if len(pairs) != 3 {
		return nil, errors.New("want exactly m, t and p parameters")
	}

	var out costString
	var haveM, haveT, haveP bool
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid parameter %q", pair)
		}
		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid memory parameter %q", kv[1])
			}
			out.memory = uint32(v)
			haveM = true
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid time parameter %q", kv[1])
			}
			out.time = uint32(v)
			haveT = true
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid parallelism parameter %q", kv[1])
			}
			out.parallelism = uint8(v)
			haveP = true
		default:
			return nil, fmt.Errorf("unsupported parameter %q", kv[0])
		}
	}
	if !haveM || !haveT || !haveP {
		return nil, errors.New("missing m, t or p parameter")
	}
	return &out, nil
}
