package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestMapper() *Mapper {
	return New(
		map[string]string{
			"111111111111": "Ana@Example.com",
			"ana":          "ana@example.com",
			"bruno":        "bruno@example.com",
		},
		map[string]string{
			"111111111111": "Ana Souza",
			"bruno":        "Bruno Lima",
		},
	)
}

func TestResolveEmailPrefersPlatformID(t *testing.T) {
	m := New(map[string]string{
		"42":  "id@example.com",
		"ana": "name@example.com",
	}, nil)
	email, ok := m.ResolveEmail("42", "ana")
	assert.True(t, ok)
	assert.Equal(t, "id@example.com", email)

	email, ok = m.ResolveEmail("99", "ana")
	assert.True(t, ok)
	assert.Equal(t, "name@example.com", email)

	email, ok = m.ResolveEmail("99", "ANA")
	assert.True(t, ok, "usernames match case-insensitively")
	assert.Equal(t, "name@example.com", email)
}

func TestUnmappedReturnsNone(t *testing.T) {
	m := newTestMapper()
	email, ok := m.ResolveEmail("nobody")
	assert.False(t, ok)
	assert.Empty(t, email)
	_, ok = m.ResolveFullName("")
	assert.False(t, ok)
	assert.False(t, m.Has("nobody"))

	var nilMapper *Mapper
	_, ok = nilMapper.ResolveEmail("x")
	assert.False(t, ok)
}

func TestResolveIdentifierByEmailIgnoresCase(t *testing.T) {
	m := newTestMapper()
	id, ok := m.ResolveIdentifierByEmail("ANA@example.COM")
	assert.True(t, ok)
	assert.Equal(t, "111111111111", id, "numeric platform id wins the reverse slot")

	id, ok = m.ResolveIdentifierByEmail(" bruno@example.com ")
	assert.True(t, ok)
	assert.Equal(t, "bruno", id)

	_, ok = m.ResolveIdentifierByEmail("ghost@example.com")
	assert.False(t, ok)
}

func TestResolveFullName(t *testing.T) {
	m := newTestMapper()
	name, ok := m.ResolveFullName("222", "bruno")
	assert.True(t, ok)
	assert.Equal(t, "Bruno Lima", name)
}

func TestAddMapping(t *testing.T) {
	m := newTestMapper()
	assert.False(t, m.Has("carla"))
	m.AddMapping("carla", "carla@example.com", "Carla Dias")
	assert.True(t, m.Has("carla"))
	name, _ := m.ResolveFullName("carla")
	assert.Equal(t, "Carla Dias", name)
	id, _ := m.ResolveIdentifierByEmail("carla@example.com")
	assert.Equal(t, "carla", id)

	m.AddMapping("carla", "c.dias@example.com", "")
	_, ok := m.ResolveIdentifierByEmail("carla@example.com")
	assert.False(t, ok, "old reverse entry is dropped")
	assert.Equal(t, 4, m.Len())
}
