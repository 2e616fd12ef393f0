// Package vault hands executions short-lived credentials. A lease maps
// each requested scope to an environment variable for the worker process;
// leases live only in memory and are revoked when the execution ends.
package vault

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bountyhub/bountyd/internal/errors"
)

// Lease is a set of credentials granted to one worker.
type Lease struct {
	ID        string
	WorkerID  string
	Scopes    []string
	Env       map[string]string
	ExpiresAt time.Time
}

// Expired reports whether the lease is past its expiry at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Vault grants and revokes credential leases.
type Vault interface {
	Lease(ctx context.Context, workerID string, scopes []string, ttl time.Duration) (Lease, error)
	Revoke(ctx context.Context, leaseID string) error
}

// Source resolves a scope to its secret value.
type Source func(scope string) (string, bool)

// EnvPrefix is the prefix of host variables EnvSource reads.
const EnvPrefix = "BOUNTYD_SECRET_"

// EnvSource reads scope "github" from BOUNTYD_SECRET_GITHUB.
func EnvSource(scope string) (string, bool) {
	return os.LookupEnv(EnvPrefix + envName(scope))
}

// MapSource serves secrets from a fixed map.
func MapSource(secrets map[string]string) Source {
	return func(scope string) (string, bool) {
		v, ok := secrets[scope]
		return v, ok
	}
}

// WorkerEnvPrefix is the prefix of variables exposed to workers.
const WorkerEnvPrefix = "BOUNTYD_CRED_"

func envName(scope string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(scope))
}

// Memory is an in-process Vault. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	source Source
	leases map[string]Lease
	now    func() time.Time
}

// NewMemory creates a vault resolving scopes through source.
func NewMemory(source Source) *Memory {
	return &Memory{
		source: source,
		leases: make(map[string]Lease),
		now:    time.Now,
	}
}

// Lease grants every scope or none. An unknown scope fails the whole lease.
func (m *Memory) Lease(_ context.Context, workerID string, scopes []string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, errors.NewValidationError("lease ttl must be positive").WithField("ttl").WithValue(ttl)
	}

	env := make(map[string]string, len(scopes))
	for _, scope := range scopes {
		secret, ok := m.source(scope)
		if !ok {
			return Lease{}, errors.NewValidationError(fmt.Sprintf("unknown credential scope %q", scope)).WithField("scopes")
		}
		env[WorkerEnvPrefix+envName(scope)] = secret
	}

	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)

	m.mu.Lock()
	defer m.mu.Unlock()
	l := Lease{
		ID:        "lease_" + uuid.NewString(),
		WorkerID:  workerID,
		Scopes:    sorted,
		Env:       env,
		ExpiresAt: m.now().Add(ttl),
	}
	m.leases[l.ID] = l
	return l, nil
}

// Revoke drops a lease. Revoking an unknown or already revoked lease is a no-op.
func (m *Memory) Revoke(_ context.Context, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, leaseID)
	return nil
}

// Valid reports whether leaseID is live and unexpired.
func (m *Memory) Valid(leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[leaseID]
	return ok && !l.Expired(m.now())
}

// Sweep drops expired leases and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, l := range m.leases {
		if l.Expired(now) {
			delete(m.leases, id)
			n++
		}
	}
	return n
}

// Active returns the number of live leases.
func (m *Memory) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

var _ Vault = (*Memory)(nil)
