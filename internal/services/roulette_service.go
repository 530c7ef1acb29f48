package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/logger"
	"golang.org/x/sync/singleflight"

	"roulette/internal/models"
)

// Collector fetches every retweeter of a post, starting at cursor when non-nil.
type Collector interface {
	Collect(ctx context.Context, postID, credential string, cursor *string) ([]models.UserRecord, error)
}

// RouletteSession holds the data for a single browser session.
type RouletteSession struct {
	Collection   models.CollectionState
	Draw         models.DrawState
	LastActivity time.Time
	// collecting is set while a collection for this session is in flight.
	collecting bool
	// cleared marks a session reset mid-collection; the late result is dropped.
	cleared bool
}

// RouletteService manages one roulette session per tenant.
type RouletteService struct {
	mu       sync.RWMutex
	sessions map[string]*RouletteSession // Key: tenantID

	collector          Collector
	rng                Source
	allowRepeatWinners bool
	inflight           singleflight.Group
	// waiters counts callers blocked in Collect, joined ones included.
	waiters atomic.Int32
}

// NewRouletteService creates a RouletteService. When allowRepeatWinners is
// false, a retweeter who already won is left out of later draws.
func NewRouletteService(collector Collector, rng Source, allowRepeatWinners bool) *RouletteService {
	if rng == nil {
		rng = NewRandomizer()
	}
	return &RouletteService{
		sessions:           make(map[string]*RouletteSession),
		collector:          collector,
		rng:                rng,
		allowRepeatWinners: allowRepeatWinners,
	}
}

// AllowRepeatWinners reports the draw policy.
func (s *RouletteService) AllowRepeatWinners() bool {
	return s.allowRepeatWinners
}

// sessionLocked returns the session for a tenant, creating one if it doesn't
// exist. s.mu must be held for writing.
func (s *RouletteService) sessionLocked(tenantID string) *RouletteSession {
	session, exists := s.sessions[tenantID]
	if !exists {
		session = &RouletteSession{
			Collection: models.CollectionState{Pool: make([]models.UserRecord, 0)},
			Draw:       models.DrawState{Winners: make([]models.UserRecord, 0)},
		}
		s.sessions[tenantID] = session
	}
	session.LastActivity = time.Now()
	return session
}

// Snapshot returns a copy of the tenant's session.
func (s *RouletteService) Snapshot(tenantID string) models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.sessionLocked(tenantID)
	snap := models.Snapshot{
		Pool:               append(make([]models.UserRecord, 0, len(session.Collection.Pool)), session.Collection.Pool...),
		Winners:            append(make([]models.UserRecord, 0, len(session.Draw.Winners)), session.Draw.Winners...),
		Collecting:         session.collecting,
		AllowRepeatWinners: s.allowRepeatWinners,
	}
	if session.Draw.PendingIndex != nil {
		idx := *session.Draw.PendingIndex
		snap.PendingIndex = &idx
	}
	snap.Segments = models.Segments(snap.Pool)
	return snap
}

// Winners returns the tenant's winners in draw order.
func (s *RouletteService) Winners(tenantID string) []models.UserRecord {
	return s.Snapshot(tenantID).Winners
}

// Collect fetches the retweeters of postID and appends them to the tenant's pool.
// Only one collection may run per session; an identical request (same post,
// cursor and credential) arriving while one is in flight shares its result
// instead of fetching again. Any other request gets a ConflictError.
//
// The fetch itself is detached from ctx so a caller that goes away does not
// fail the others sharing it; ctx only bounds how long this caller waits.
func (s *RouletteService) Collect(ctx context.Context, tenantID, postID, credential string, cursor *string) ([]models.UserRecord, error) {
	work := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(collectKey(tenantID, postID, credential, cursor), func() (any, error) {
		return s.collect(work, tenantID, postID, credential, cursor)
	})
	s.waiters.Add(1)
	defer s.waiters.Add(-1)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for retweeters of %s: %w", postID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logger.Infof("Joined in-flight collection for tenant %s, post %s", tenantID, postID)
		}
		return res.Val.([]models.UserRecord), nil
	}
}

// collectKey identifies a collection request. The credential is hashed so it
// never sits in memory as a map key.
func collectKey(tenantID, postID, credential string, cursor *string) string {
	sum := sha256.Sum256([]byte(credential))
	key := tenantID + "\x00" + postID + "\x00" + hex.EncodeToString(sum[:])
	if cursor != nil {
		key += "\x00" + *cursor
	}
	return key
}

func (s *RouletteService) collect(ctx context.Context, tenantID, postID, credential string, cursor *string) ([]models.UserRecord, error) {
	s.mu.Lock()
	session := s.sessionLocked(tenantID)
	if session.collecting {
		s.mu.Unlock()
		return nil, models.ConflictError("retweeters are already being fetched for this session")
	}
	session.collecting = true
	session.Collection.Cursor = cursor
	s.mu.Unlock()

	records, err := s.collector.Collect(ctx, postID, credential, cursor)

	s.mu.Lock()
	defer s.mu.Unlock()
	session.collecting = false
	session.Collection.Cursor = nil
	session.LastActivity = time.Now()
	if session.cleared {
		session.cleared = false
		logger.Infof("Tenant %s: dropped retweeters of %s, session was cleared while loading", tenantID, postID)
		return nil, models.ConflictError("the session was cleared while retweeters were loading")
	}
	if err != nil {
		return nil, fmt.Errorf("collecting retweeters of %s: %w", postID, err)
	}

	session.Collection.Pool = append(session.Collection.Pool, records...)
	logger.Infof("Tenant %s: added %d retweeters of %s, pool size %d", tenantID, len(records), postID, len(session.Collection.Pool))
	return records, nil
}

// Draw spins the wheel for a tenant. The chosen index stays pending until
// CompleteDraw records it.
func (s *RouletteService) Draw(tenantID string) (*models.DrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.sessionLocked(tenantID)
	if session.collecting {
		return nil, models.ConflictError("wait for the retweeters to finish loading")
	}
	if session.Draw.PendingIndex != nil {
		return nil, models.ConflictError("the wheel is already spinning")
	}

	pool := session.Collection.Pool
	var index int
	if s.allowRepeatWinners {
		i, err := Draw(pool, s.rng)
		if err != nil {
			return nil, err
		}
		index = i
	} else {
		eligible := eligibleIndexes(pool, session.Draw.Winners)
		if len(pool) > 0 && len(eligible) == 0 {
			return nil, models.EmptyPoolError("every retweeter has already won")
		}
		candidates := make([]models.UserRecord, len(eligible))
		for i, idx := range eligible {
			candidates[i] = pool[idx]
		}
		i, err := Draw(candidates, s.rng)
		if err != nil {
			return nil, err
		}
		index = eligible[i]
	}

	session.Draw.PendingIndex = &index
	return &models.DrawResult{Index: index, Winner: pool[index]}, nil
}

// CompleteDraw records the pending winner once the wheel has stopped.
func (s *RouletteService) CompleteDraw(tenantID string) (*models.DrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.sessionLocked(tenantID)
	if session.Draw.PendingIndex == nil {
		return nil, models.ConflictError("there is no draw in progress")
	}
	index := *session.Draw.PendingIndex
	session.Draw.PendingIndex = nil

	session.Draw.Winners = RecordWinner(session.Draw.Winners, session.Collection.Pool, index)
	winner := session.Collection.Pool[index]
	logger.Infof("Tenant %s: winner #%d is %s", tenantID, len(session.Draw.Winners), winner.ID)
	return &models.DrawResult{Index: index, Winner: winner}, nil
}

// ResetWinners clears the draw history but keeps the pool.
func (s *RouletteService) ResetWinners(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.sessionLocked(tenantID)
	session.Draw = models.DrawState{Winners: make([]models.UserRecord, 0)}
	logger.Infof("Reset winners for tenant: %s", tenantID)
}

// CleanUpInactiveSessions removes sessions idle for longer than maxIdle and
// reports how many were removed. Sessions with a collection in flight are kept.
func (s *RouletteService) CleanUpInactiveSessions(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for tenantID, session := range s.sessions {
		if !session.collecting && time.Since(session.LastActivity) > maxIdle {
			delete(s.sessions, tenantID)
			count++
		}
	}
	return count
}

// SessionCount reports the number of live sessions.
func (s *RouletteService) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ClearSession removes all data associated with a specific tenant.
// A session with a collection in flight is emptied but kept, so no second
// collection can start before the first one finishes and is discarded.
func (s *RouletteService) ClearSession(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[tenantID]; ok && session.collecting {
		session.Collection.Pool = make([]models.UserRecord, 0)
		session.Draw = models.DrawState{Winners: make([]models.UserRecord, 0)}
		session.cleared = true
		logger.Infof("Cleared session for tenant %s, pending collection will be discarded", tenantID)
		return
	}
	delete(s.sessions, tenantID)
	logger.Infof("Cleared session for tenant: %s", tenantID)
}
