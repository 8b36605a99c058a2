// Package auth verifies bearer tokens presented to the control plane. Tokens
// are never stored in clear; the configuration holds an argon2id encoding.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentKDF bounds how many argon2id derivations run at once. Each one
// holds the hash's full memory cost (64 MiB with HashToken's defaults).
const maxConcurrentKDF = 1

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid bearer token")
)

// TokenAuthenticator accepts requests carrying "Authorization: Bearer <token>"
// whose token matches the configured argon2id hash.
//
// The first token that matches is remembered as a SHA-256 verifier. Later
// requests are checked against it without running argon2id, and so are
// wrong tokens once a match has been seen.
type TokenAuthenticator struct {
	params argonParams
	kdf    *semaphore.Weighted
	idKey  func(password, salt []byte, time, memory uint32, threads uint8, keyLen uint32) []byte

	mu       sync.RWMutex
	verifier []byte
}

// NewTokenAuthenticator parses an encoded hash produced by HashToken.
func NewTokenAuthenticator(encoded string) (*TokenAuthenticator, error) {
	p, err := decodeArgon2id(encoded)
	if err != nil {
		return nil, err
	}
	return &TokenAuthenticator{
		params: p,
		kdf:    semaphore.NewWeighted(maxConcurrentKDF),
		idKey:  argon2.IDKey,
	}, nil
}

// Authenticate implements the server's authentication extension point.
func (a *TokenAuthenticator) Authenticate(r *http.Request) error {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	return a.verify(r, strings.TrimSpace(token))
}

func (a *TokenAuthenticator) verify(r *http.Request, token string) error {
	sum := sha256.Sum256([]byte(token))
	if known, err := a.checkVerifier(sum[:]); known {
		return err
	}

	if err := a.kdf.Acquire(r.Context(), 1); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	defer a.kdf.Release(1)

	// Another request may have verified the token while this one waited.
	if known, err := a.checkVerifier(sum[:]); known {
		return err
	}
	if !a.params.matches(a.idKey, token) {
		return ErrInvalidToken
	}
	a.mu.Lock()
	a.verifier = sum[:]
	a.mu.Unlock()
	return nil
}

// checkVerifier compares sum with the remembered verifier. known is false
// until a token has matched the argon2id hash once.
func (a *TokenAuthenticator) checkVerifier(sum []byte) (known bool, err error) {
	a.mu.RLock()
	verifier := a.verifier
	a.mu.RUnlock()
	if verifier == nil {
		return false, nil
	}
	if subtle.ConstantTimeCompare(sum, verifier) != 1 {
		return true, ErrInvalidToken
	}
	return true, nil
}

// HashToken encodes token as argon2id$v=19$m=...,t=...,p=...$saltB64$hashB64.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("auth: token required")
	}
	p := argonParams{
		memory:  64 * 1024,
		time:    3,
		threads: uint8(selectParallelism()),
		salt:    make([]byte, 16),
	}
	if _, err := rand.Read(p.salt); err != nil {
		return "", err
	}
	p.hash = argon2.IDKey([]byte(token), p.salt, p.time, p.memory, p.threads, 32)
	return fmt.Sprintf("argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(p.salt), base64.RawStdEncoding.EncodeToString(p.hash)), nil
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	hash    []byte
}

func (p argonParams) matches(idKey func([]byte, []byte, uint32, uint32, uint8, uint32) []byte, token string) bool {
	calc := idKey([]byte(token), p.salt, p.time, p.memory, p.threads, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(calc, p.hash) == 1
}

func decodeArgon2id(encoded string) (argonParams, error) {
	var p argonParams
	toks := strings.Split(strings.TrimSpace(encoded), "$")
	if len(toks) != 5 || toks[0] != "argon2id" {
		return p, errors.New("auth: token hash is not argon2id encoded")
	}
	for _, kv := range strings.Split(toks[2], ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "m":
			v, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return p, fmt.Errorf("auth: bad memory parameter: %w", err)
			}
			p.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return p, fmt.Errorf("auth: bad time parameter: %w", err)
			}
			p.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(val, 10, 8)
			if err != nil {
				return p, fmt.Errorf("auth: bad parallelism parameter: %w", err)
			}
			p.threads = uint8(v)
		}
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, errors.New("auth: token hash parameters incomplete")
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(toks[3]); err != nil {
		return p, fmt.Errorf("auth: bad salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(toks[4]); err != nil || len(p.hash) == 0 {
		return p, errors.New("auth: bad hash")
	}
	return p, nil
}

func selectParallelism() int {
	p := runtime.NumCPU() / 2
	if p < 1 {
		p = 1
	}
	if p > 4 {
		p = 4
	}
	return p
}
