package gamification

import (
	"time"
)

type EventKind string

const (
	KindTaskCompleted    EventKind = "task_completed"
	KindTaskApproved     EventKind = "task_approved"
	KindHelpedTeammate   EventKind = "helped_teammate"
	KindAssignedToOthers EventKind = "task_assigned_to_others"
	KindManualAdjustment EventKind = "manual_adjustment"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindTaskCompleted, KindTaskApproved, KindHelpedTeammate, KindAssignedToOthers, KindManualAdjustment:
		return true
	}
	return false
}

// EventContext carries what the lifecycle knew when the award fired.
type EventContext struct {
	TaskID        string
	TaskType      string
	Username      string
	TimeSpent     time.Duration
	FirstTry      bool
	AssignedCount int
	At            time.Time
}

// Achievement is a one-time bonus. The catalog is fixed at build time.
type Achievement struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Points      int    `json:"points"`
	Icon        string `json:"icon"`

	kinds []EventKind
	check func(p *Profile, ec EventContext, loc *time.Location) bool
}

func (a Achievement) relevant(kind EventKind) bool {
	if len(a.kinds) == 0 {
		return true
	}
	for _, k := range a.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func completedOnly() []EventKind { return []EventKind{KindTaskCompleted} }

var catalog = []Achievement{
	{ID: "first_blood", Name: "Primeiro Sangue", Description: "Completou a primeira task", Points: 100, Icon: "🩸",
		kinds: completedOnly(),
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.TasksCompleted >= 1 }},
	{ID: "streak_3", Name: "Raia 3 Dias", Description: "Completou tasks por 3 dias seguidos", Points: 150, Icon: "🔥",
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.Streak >= 3 }},
	{ID: "streak_7", Name: "Semana Produtiva", Description: "Completou tasks por 7 dias seguidos", Points: 300, Icon: "🌟",
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.Streak >= 7 }},
	{ID: "speed_runner", Name: "Velocista", Description: "Completou uma task em menos de 2 horas", Points: 200, Icon: "⚡",
		kinds: completedOnly(),
		check: func(_ *Profile, ec EventContext, _ *time.Location) bool {
			return ec.TimeSpent > 0 && ec.TimeSpent < 2*time.Hour
		}},
	{ID: "bug_hunter", Name: "Caçador de Bugs", Description: "Completou 10 tasks de bug fix", Points: 250, Icon: "🐛",
		kinds: completedOnly(),
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.BugFixes >= 10 }},
	{ID: "team_player", Name: "Jogador de Equipe", Description: "Ajudou outro desenvolvedor", Points: 150, Icon: "🤝",
		kinds: []EventKind{KindHelpedTeammate},
		check: func(*Profile, EventContext, *time.Location) bool { return true }},
	{ID: "quality_king", Name: "Rei da Qualidade", Description: "10 tasks aprovadas sem correções", Points: 400, Icon: "👑",
		kinds: []EventKind{KindTaskApproved},
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.TasksApproved >= 10 }},
	{ID: "early_bird", Name: "Pássaro Madrugador", Description: "Completou task antes das 9h", Points: 100, Icon: "🐦",
		kinds: completedOnly(),
		check: func(_ *Profile, ec EventContext, loc *time.Location) bool { return ec.At.In(loc).Hour() < 9 }},
	{ID: "night_owl", Name: "Coruja Noturna", Description: "Completou task após as 20h", Points: 100, Icon: "🦉",
		kinds: completedOnly(),
		check: func(_ *Profile, ec EventContext, loc *time.Location) bool { return ec.At.In(loc).Hour() >= 20 }},
	{ID: "weekend_warrior", Name: "Guerreiro de Fim de Semana", Description: "Completou task no sábado ou domingo", Points: 200, Icon: "⚔️",
		kinds: completedOnly(),
		check: func(_ *Profile, ec EventContext, loc *time.Location) bool {
			d := ec.At.In(loc).Weekday()
			return d == time.Saturday || d == time.Sunday
		}},
	{ID: "task_master", Name: "Mestre das Tasks", Description: "Completou 50 tasks no total", Points: 500, Icon: "🎮",
		kinds: completedOnly(),
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.TotalTasks >= 50 }},
	{ID: "quick_learner", Name: "Aprendiz Rápido", Description: "Completou 5 tasks diferentes em uma semana", Points: 300, Icon: "📚",
		kinds: completedOnly(),
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.Weekly.TasksCompleted >= 5 }},
	{ID: "mentor", Name: "Mentor", Description: "Ajudou 3 desenvolvedores diferentes", Points: 350, Icon: "🧠",
		kinds: []EventKind{KindAssignedToOthers},
		check: func(_ *Profile, ec EventContext, _ *time.Location) bool { return ec.AssignedCount >= 3 }},
	{ID: "perfectionist", Name: "Perfeccionista", Description: "Task aprovada na primeira tentativa 5 vezes", Points: 400, Icon: "💎",
		kinds: []EventKind{KindTaskApproved},
		check: func(p *Profile, _ EventContext, _ *time.Location) bool { return p.FirstApprovals >= 5 }},
}

// Catalog returns a copy of every achievement.
func Catalog() []Achievement {
	return append([]Achievement(nil), catalog...)
}

func LookupAchievement(id string) (Achievement, bool) {
	for _, a := range catalog {
		if a.ID == id {
			return a, true
		}
	}
	return Achievement{}, false
}
