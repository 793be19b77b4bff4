// Package auth decides who holds elevated permission on lifecycle commands.
package auth

import (
	"strings"

	"taskbridge/internal/domain"
)

// Level is the permission tier resolved for a caller.
type Level string

const (
	LevelBasic    Level = "basic"
	LevelReviewer Level = "reviewer"
	LevelAdmin    Level = "admin"
)

// Policy grants elevation to listed admins (by id or username, ignoring
// case) and to holders of any reviewer role.
type Policy struct {
	AdminUsers    []string
	ReviewerRoles []string
}

func (p Policy) LevelOf(c domain.Caller) Level {
	for _, admin := range p.AdminUsers {
		admin = strings.TrimSpace(admin)
		if admin == "" {
			continue
		}
		if admin == c.ID || (c.Username != "" && strings.EqualFold(admin, c.Username)) {
			return LevelAdmin
		}
	}
	for _, want := range p.ReviewerRoles {
		for _, have := range c.Roles {
			if strings.TrimSpace(want) != "" && want == have {
				return LevelReviewer
			}
		}
	}
	return LevelBasic
}

// Elevated reports admin or reviewer standing.
func (p Policy) Elevated(c domain.Caller) bool {
	return p.LevelOf(c) != LevelBasic
}
