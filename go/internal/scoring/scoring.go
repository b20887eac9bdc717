package scoring

import (
	"github.com/fakeout-party/fakeout/go/internal/models"
	"github.com/google/uuid"
)

// Fixed point rules, applied server-side when a round completes.
const (
	// PointsCorrectVote is awarded to a voter who picked the correct answer.
	PointsCorrectVote = 100
	// PointsPerFool is awarded to a fake answer's author for every vote the
	// fake collected.
	PointsPerFool = 50
	// PerfectRoundBonus is awarded to each correct voter when zero votes
	// landed on any fake this round.
	PerfectRoundBonus = 25
	// RoundWinnerBonus is awarded to the highest scorer of the round (every
	// player tied for the highest share when there is a tie).
	RoundWinnerBonus = 50
)

// RoundResult is the outcome of scoring one round.
type RoundResult struct {
	// PlayerPoints is the score delta per player, including vote credit,
	// fooling credit and bonuses.
	PlayerPoints map[uuid.UUID]int
	// VotePoints is the points-earned back-fill per vote id: what the voter
	// earned by casting that vote.
	VotePoints map[uuid.UUID]int
}

// ScoreRound computes point awards from a round's answers and votes. Votes
// pointing at answers outside the round are ignored; the inputs come from
// the backend and are trusted to satisfy its uniqueness constraints.
func ScoreRound(answers []models.Answer, votes []models.Vote) RoundResult {
	res := RoundResult{
		PlayerPoints: make(map[uuid.UUID]int),
		VotePoints:   make(map[uuid.UUID]int),
	}

	byID := make(map[uuid.UUID]*models.Answer, len(answers))
	for i := range answers {
		byID[answers[i].ID] = &answers[i]
	}

	anyoneFooled := false
	for _, v := range votes {
		a, ok := byID[v.AnswerID]
		if !ok {
			continue
		}
		if !a.IsCorrect {
			anyoneFooled = true
		}
	}

	for _, v := range votes {
		a, ok := byID[v.AnswerID]
		if !ok {
			continue
		}
		if a.IsCorrect {
			earned := PointsCorrectVote
			if !anyoneFooled {
				earned += PerfectRoundBonus
			}
			res.VotePoints[v.ID] = earned
			res.PlayerPoints[v.VoterID] += earned
			continue
		}
		res.VotePoints[v.ID] = 0
		if a.PlayerID != nil {
			res.PlayerPoints[*a.PlayerID] += PointsPerFool
		}
	}

	awardRoundWinner(&res)
	return res
}

// awardRoundWinner adds the winner bonus to every player tied for the
// highest pre-bonus share. No points this round means no winner.
func awardRoundWinner(res *RoundResult) {
	best := 0
	for _, pts := range res.PlayerPoints {
		if pts > best {
			best = pts
		}
	}
	if best == 0 {
		return
	}
	for id, pts := range res.PlayerPoints {
		if pts == best {
			res.PlayerPoints[id] += RoundWinnerBonus
		}
	}
}
