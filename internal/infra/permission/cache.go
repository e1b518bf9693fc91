package permission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/telemetry"
)

const defaultCacheTTL = 5 * time.Minute

// SnapshotSource returns the current registry snapshot.
type SnapshotSource interface {
	Snapshot() *domain.Snapshot
}

// UserCache is the precomputed decision set for one user context.
type UserCache struct {
	UserID          string
	Allowed         map[string]struct{}
	Denied          map[string]Reason
	Reasons         map[string]Reason
	BuiltAt         time.Time
	TTL             time.Duration
	SnapshotVersion uint64
	// Generation is the invalidation generation the entry was built under;
	// anything derived from the entry's decisions must be keyed by it.
	Generation uint64
	user       domain.UserContext
	policy     *Policy
}

// Fresh reports whether the entry is within its TTL at now.
func (u *UserCache) Fresh(now time.Time) bool {
	return now.Sub(u.BuiltAt) < u.TTL
}

// Allow reports a decision; names outside the built set are evaluated directly.
func (u *UserCache) Allow(tool string) (bool, Reason) {
	if _, ok := u.Allowed[tool]; ok {
		return true, u.Reasons[tool]
	}
	if reason, ok := u.Denied[tool]; ok {
		return false, reason
	}
	return u.policy.Evaluate(u.user, tool)
}

// Options configures the permission cache.
type Options struct {
	Snapshots SnapshotSource
	Policy    *Policy
	TTL       time.Duration
	Audit     domain.AuditSink
	Logger    *zap.Logger
	Now       func() time.Time
}

// Cache holds per-user decision sets keyed by UserContext.Hash.
type Cache struct {
	snapshots SnapshotSource
	ttl       time.Duration
	audit     domain.AuditSink
	logger    *zap.Logger
	now       func() time.Time

	policy  atomic.Pointer[Policy]
	entries sync.Map
	builds  singleflight.Group
	// generation is bumped by invalidations so in-flight builds do not store stale sets.
	generation atomic.Uint64
	builtCount atomic.Uint64
}

func NewCache(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		snapshots: opts.Snapshots,
		ttl:       ttl,
		audit:     opts.Audit,
		logger:    logger.Named("permission"),
		now:       now,
	}
	policy := opts.Policy
	if policy == nil {
		policy = AllowAll()
	}
	c.policy.Store(policy)
	return c
}

// Policy returns the active compiled policy.
func (c *Cache) Policy() *Policy {
	return c.policy.Load()
}

// Builds reports how many user caches were built, for diagnostics.
func (c *Cache) Builds() uint64 {
	return c.builtCount.Load()
}

// Get returns a fresh cache for user, building it once per concurrent burst.
func (c *Cache) Get(ctx context.Context, user domain.UserContext) (*UserCache, error) {
	key := user.Hash()
	if value, ok := c.entries.Load(key); ok {
		entry := value.(*UserCache)
		if entry.Fresh(c.now()) {
			return entry, nil
		}
		c.entries.CompareAndDelete(key, entry)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Wrap(domain.CodeCancelled, "permission.get", err)
	}
	value, err, _ := c.builds.Do(key, func() (any, error) {
		if value, ok := c.entries.Load(key); ok {
			if entry := value.(*UserCache); entry.Fresh(c.now()) {
				return entry, nil
			}
		}
		generation := c.generation.Load()
		entry := c.build(user, generation)
		if c.generation.Load() == generation {
			c.entries.Store(key, entry)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*UserCache), nil
}

func (c *Cache) build(user domain.UserContext, generation uint64) *UserCache {
	policy := c.policy.Load()
	effective := policy.Effective(user)
	snapshot := c.snapshot()

	entry := &UserCache{
		UserID:          user.UserID,
		Allowed:         make(map[string]struct{}),
		Denied:          make(map[string]Reason),
		Reasons:         make(map[string]Reason),
		BuiltAt:         c.now(),
		TTL:             c.ttl,
		SnapshotVersion: snapshot.Version,
		Generation:      generation,
		user:            effective,
		policy:          policy,
	}
	snapshot.Range(func(tool domain.Tool) bool {
		allowed, reason := policy.Evaluate(effective, tool.Name)
		if allowed {
			entry.Allowed[tool.Name] = struct{}{}
			entry.Reasons[tool.Name] = reason
		} else {
			entry.Denied[tool.Name] = reason
		}
		return true
	})
	c.builtCount.Add(1)
	return entry
}

func (c *Cache) snapshot() *domain.Snapshot {
	if c.snapshots == nil {
		return domain.EmptySnapshot()
	}
	if snapshot := c.snapshots.Snapshot(); snapshot != nil {
		return snapshot
	}
	return domain.EmptySnapshot()
}

// Allowed reports whether user may call tool.
func (c *Cache) Allowed(ctx context.Context, user domain.UserContext, tool string) (bool, error) {
	entry, err := c.Get(ctx, user)
	if err != nil {
		return false, err
	}
	allowed, reason := entry.Allow(tool)
	if !allowed {
		c.logger.Debug("permission denied",
			telemetry.EventField(telemetry.EventPermissionDenied),
			telemetry.UserIDField(user.UserID),
			telemetry.ToolField(tool),
			zap.String("reason", string(reason)),
		)
	}
	return allowed, nil
}

// BatchAllowed returns decisions parallel to names.
func (c *Cache) BatchAllowed(ctx context.Context, user domain.UserContext, names []string) ([]bool, error) {
	entry, err := c.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(names))
	for i, name := range names {
		out[i], _ = entry.Allow(name)
	}
	return out, nil
}

// Check returns a PolicyDenied error when user may not call tool.
func (c *Cache) Check(ctx context.Context, user domain.UserContext, tool string) error {
	entry, err := c.Get(ctx, user)
	if err != nil {
		return err
	}
	allowed, reason := entry.Allow(tool)
	if allowed {
		return nil
	}
	c.emit(domain.AuditEvent{
		Kind:     domain.EventAuthorization,
		Severity: domain.SeverityWarning,
		UserID:   user.UserID,
		ToolName: tool,
		Outcome:  "denied",
		Message:  string(reason),
	})
	return domain.E(domain.CodePolicyDenied, "permission.check", string(reason), domain.ErrPermissionDenied).
		WithMeta("tool", tool)
}

// RegistryChanged evicts caches that may now be wrong for the change.
func (c *Cache) RegistryChanged(change domain.RegistryChange) {
	affected := change.Affected()
	c.generation.Add(1)
	evicted := 0
	c.entries.Range(func(key, value any) bool {
		entry := value.(*UserCache)
		if len(change.Added) > 0 && entry.SnapshotVersion < change.Version {
			c.entries.Delete(key)
			evicted++
			return true
		}
		for _, name := range affected {
			if _, ok := entry.Allowed[name]; ok {
				c.entries.Delete(key)
				evicted++
				return true
			}
		}
		return true
	})
	if evicted > 0 {
		c.logger.Debug("permission caches evicted on registry change",
			telemetry.VersionField(change.Version),
			zap.Int("evicted", evicted),
		)
	}
}

// UserPermissionsChanged evicts every cache of userID.
func (c *Cache) UserPermissionsChanged(userID string) {
	c.generation.Add(1)
	c.entries.Range(func(key, value any) bool {
		if value.(*UserCache).UserID == userID {
			c.entries.Delete(key)
		}
		return true
	})
}

// SetPolicy installs a new policy and evicts every cache.
func (c *Cache) SetPolicy(policy *Policy) {
	if policy == nil {
		policy = AllowAll()
	}
	c.policy.Store(policy)
	c.clear()
	c.logger.Info("permission policy changed", telemetry.EventField(telemetry.EventPolicyReload))
}

// EmergencyClear evicts every cache unconditionally.
func (c *Cache) EmergencyClear(reason string) {
	c.clear()
	c.logger.DPanic("permission caches cleared",
		telemetry.EventField(telemetry.EventEmergencyClear),
		telemetry.SeverityField(string(domain.SeverityCritical)),
		zap.String("reason", reason),
	)
	c.emit(domain.AuditEvent{
		Kind:     domain.EventSecurityViolation,
		Severity: domain.SeverityCritical,
		Outcome:  "emergency_clear",
		Message:  reason,
	})
}

func (c *Cache) clear() {
	c.generation.Add(1)
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})
}

// Len counts cached user contexts.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run applies registry changes until ctx ends or changes closes.
func (c *Cache) Run(ctx context.Context, changes <-chan domain.RegistryChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			c.RegistryChanged(change)
		}
	}
}

func (c *Cache) emit(event domain.AuditEvent) {
	if c.audit == nil {
		return
	}
	event.Timestamp = c.now()
	c.audit.Emit(event)
}
