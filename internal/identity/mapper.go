// Package identity maps chat platform users to board service identities.
//
// Mappings are keyed by platform user id or platform username; both may be
// present for the same person. Lookups never fail: an unmapped user is a
// valid, degraded state and callers decide what that means for them.
package identity

import (
	"sort"
	"strings"
	"sync"
)

type Mapper struct {
	mu        sync.RWMutex
	emails    map[string]string
	fullNames map[string]string
	// lowercased email -> identifier
	reverse map[string]string
}

// New builds a mapper from identifier->email and identifier->full name tables.
func New(emails, fullNames map[string]string) *Mapper {
	m := &Mapper{
		emails:    map[string]string{},
		fullNames: map[string]string{},
		reverse:   map[string]string{},
	}
	ids := make([]string, 0, len(emails))
	for id := range emails {
		ids = append(ids, id)
	}
	// numeric platform ids win the reverse slot over usernames
	sort.Slice(ids, func(i, j int) bool {
		ni, nj := isNumeric(ids[i]), isNumeric(ids[j])
		if ni != nj {
			return ni
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		m.addLocked(id, emails[id], "")
	}
	for id, name := range fullNames {
		id = strings.TrimSpace(id)
		if id == "" || strings.TrimSpace(name) == "" {
			continue
		}
		m.fullNames[id] = strings.TrimSpace(name)
	}
	return m
}

// ResolveEmail returns the email for the first identifier that is mapped.
// Pass the platform id before the username.
func (m *Mapper) ResolveEmail(identifiers ...string) (string, bool) {
	if m == nil {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.emails, identifiers)
}

// ResolveFullName returns the display name for the first mapped identifier.
func (m *Mapper) ResolveFullName(identifiers ...string) (string, bool) {
	if m == nil {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.fullNames, identifiers)
}

// ResolveIdentifierByEmail is the reverse lookup; email comparison ignores case.
func (m *Mapper) ResolveIdentifierByEmail(email string) (string, bool) {
	if m == nil {
		return "", false
	}
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.reverse[key]
	return id, ok
}

func (m *Mapper) Has(identifier string) bool {
	_, ok := m.ResolveEmail(identifier)
	return ok
}

// AddMapping registers or replaces a mapping at runtime.
func (m *Mapper) AddMapping(identifier, email, fullName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identifier = strings.TrimSpace(identifier)
	if old, ok := m.emails[identifier]; ok {
		oldKey := strings.ToLower(old)
		if m.reverse[oldKey] == identifier {
			delete(m.reverse, oldKey)
		}
	}
	m.addLocked(identifier, email, fullName)
	// an explicit admin mapping always takes the reverse slot
	if identifier != "" && strings.TrimSpace(email) != "" {
		m.reverse[strings.ToLower(strings.TrimSpace(email))] = identifier
	}
}

// Len reports how many identifiers carry an email.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.emails)
}

func (m *Mapper) addLocked(identifier, email, fullName string) {
	identifier = strings.TrimSpace(identifier)
	email = strings.TrimSpace(email)
	if identifier == "" || email == "" {
		return
	}
	m.emails[identifier] = email
	key := strings.ToLower(email)
	if _, taken := m.reverse[key]; !taken {
		m.reverse[key] = identifier
	}
	if name := strings.TrimSpace(fullName); name != "" {
		m.fullNames[identifier] = name
	}
}

func lookup(table map[string]string, identifiers []string) (string, bool) {
	for _, id := range identifiers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if v, ok := table[id]; ok {
			return v, true
		}
	}
	// usernames are case-insensitive on the chat platform
	for _, id := range identifiers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		for k, v := range table {
			if strings.EqualFold(k, id) {
				return v, true
			}
		}
	}
	return "", false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
