// Package refcache holds a read-mostly, in-memory snapshot of reference
// data (identities, schedules, rooms, terms). Readers never block on the
// network; the snapshot is refreshed from the local store by the
// reconciliation engine after each pull. Staleness is tolerated.
package refcache

import (
	"strings"
	"sync"
	"time"

	"eduvision/internal/model"
)

// Source supplies reference data, normally the local store.
type Source interface {
	Identities() ([]model.Identity, error)
	Schedules() ([]model.ScheduleEntry, error)
	Rooms() ([]model.Room, error)
	Terms() ([]model.Term, error)
}

// Cache is the snapshot. The zero value is empty but usable.
type Cache struct {
	src Source

	mu          sync.RWMutex
	identities  []model.Identity
	byID        map[string]model.Identity
	schedules   []model.ScheduleEntry
	byIdentity  map[string][]model.ScheduleEntry
	rooms       map[string]model.Room
	terms       []model.Term
	lastRefresh time.Time
}

// New creates a cache over src. Call Refresh to populate it.
func New(src Source) *Cache {
	return &Cache{
		src:        src,
		byID:       make(map[string]model.Identity),
		byIdentity: make(map[string][]model.ScheduleEntry),
		rooms:      make(map[string]model.Room),
	}
}

// Refresh replaces the snapshot with the source's current contents.
func (c *Cache) Refresh() error {
	ids, err := c.src.Identities()
	if err != nil {
		return err
	}
	scheds, err := c.src.Schedules()
	if err != nil {
		return err
	}
	rooms, err := c.src.Rooms()
	if err != nil {
		return err
	}
	terms, err := c.src.Terms()
	if err != nil {
		return err
	}

	byID := make(map[string]model.Identity, len(ids))
	for _, id := range ids {
		byID[id.ID] = id
	}
	byIdentity := make(map[string][]model.ScheduleEntry)
	for _, s := range scheds {
		byIdentity[s.IdentityID] = append(byIdentity[s.IdentityID], s)
	}
	roomMap := make(map[string]model.Room, len(rooms))
	for _, r := range rooms {
		roomMap[strings.ToLower(r.Name)] = r
	}

	c.mu.Lock()
	c.identities = ids
	c.byID = byID
	c.schedules = scheds
	c.byIdentity = byIdentity
	c.rooms = roomMap
	c.terms = terms
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

// IdentityByID returns the identity with the given id.
func (c *Cache) IdentityByID(id string) (model.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ident, ok := c.byID[id]
	return ident, ok
}

// ResolveIdentity finds an identity by any of the name forms the recognizer
// emits: the stable id, the faces folder name ("Mark_Lorenz_Quibral"), the
// "LastName, FirstName" display form, or a case-insensitive substring of
// either.
func (c *Cache) ResolveIdentity(hint string) (model.Identity, bool) {
	if hint == "" {
		return model.Identity{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ident, ok := c.byID[hint]; ok {
		return ident, true
	}
	formatted := FormatFolderName(hint)
	lowered := strings.ToLower(hint)
	lowFormatted := strings.ToLower(formatted)
	for _, ident := range c.identities {
		full := strings.ToLower(ident.FullName)
		folder := strings.ToLower(ident.FolderName)
		if folder == lowered || full == lowFormatted {
			return ident, true
		}
		if full != "" && (strings.Contains(full, lowFormatted) || strings.Contains(lowFormatted, full)) {
			return ident, true
		}
	}
	return model.Identity{}, false
}

// SchedulesFor returns the schedule entries for one identity.
func (c *Cache) SchedulesFor(identityID string) []model.ScheduleEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byIdentity[identityID]
}

// AllSchedules returns every cached schedule entry.
func (c *Cache) AllSchedules() []model.ScheduleEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedules
}

// AllCurrentSchedules returns entries whose day and time window contain now.
func (c *Cache) AllCurrentSchedules(now time.Time) []model.ScheduleEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	minutes := model.MinutesOf(now)
	var out []model.ScheduleEntry
	for _, s := range c.schedules {
		if s.ActiveOn(now) && s.Start <= minutes && minutes <= s.End {
			out = append(out, s)
		}
	}
	return out
}

// RoomByName returns the cached room with the given name.
func (c *Cache) RoomByName(name string) (model.Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[strings.ToLower(name)]
	return r, ok
}

// LastRefresh reports when the snapshot was last replaced.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// FormatFolderName converts a faces-directory folder name into the
// "LastName, FirstName" display form: "Mark_Lorenz_Quibral" becomes
// "Quibral, Mark". Unrecognized shapes pass through unchanged.
func FormatFolderName(folder string) string {
	parts := strings.Fields(strings.ReplaceAll(folder, "_", " "))
	if len(parts) >= 2 {
		return parts[len(parts)-1] + ", " + parts[0]
	}
	return folder
}
