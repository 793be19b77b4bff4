// Package gamification awards points, levels, streaks and achievements for
// task lifecycle events.
package gamification

import "fmt"

// Level is one rung of the ladder. Ladders are sorted by MinPoints ascending.
type Level struct {
	Number    int    `json:"level"`
	Name      string `json:"name"`
	MinPoints int    `json:"required_points"`
}

var DefaultLevels = []Level{
	{Number: 1, Name: "Iniciante", MinPoints: 0},
	{Number: 2, Name: "Aprendiz", MinPoints: 500},
	{Number: 3, Name: "Desenvolvedor", MinPoints: 1000},
	{Number: 4, Name: "Herói", MinPoints: 2000},
	{Number: 5, Name: "Veterano", MinPoints: 4000},
	{Number: 6, Name: "Mestre", MinPoints: 8000},
	{Number: 7, Name: "Lenda", MinPoints: 15000},
	{Number: 8, Name: "Mito", MinPoints: 30000},
}

// LevelFor returns the highest level whose threshold is <= points.
func LevelFor(ladder []Level, points int) Level {
	if len(ladder) == 0 {
		return Level{Number: 1, Name: "Nível 1"}
	}
	best := ladder[0]
	for _, l := range ladder {
		if points >= l.MinPoints {
			best = l
		}
	}
	return best
}

// NextLevel returns the rung after current, if any.
func NextLevel(ladder []Level, current int) (Level, bool) {
	for _, l := range ladder {
		if l.Number > current {
			return l, true
		}
	}
	return Level{}, false
}

func validateLadder(ladder []Level) error {
	if len(ladder) == 0 {
		return fmt.Errorf("level ladder is empty")
	}
	if ladder[0].MinPoints != 0 {
		return fmt.Errorf("first level must start at 0 points")
	}
	for i := 1; i < len(ladder); i++ {
		if ladder[i].MinPoints <= ladder[i-1].MinPoints || ladder[i].Number <= ladder[i-1].Number {
			return fmt.Errorf("level ladder must be strictly ascending at %d", i)
		}
	}
	return nil
}
