package coordinator

import (
	"context"

	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
)

const (
	TripExperience     = 5
	LevelThresholdStep = 10
)

// ApplyExperience adds points and levels up while experience reaches the
// threshold, raising the threshold by LevelThresholdStep each level.
func ApplyExperience(p models.Profile, points int) models.Profile {
	if p.Level < 1 {
		p.Level = 1
	}
	if p.NextLevelThreshold <= 0 {
		p.NextLevelThreshold = LevelThresholdStep
	}
	p.Experience += points
	if p.Experience < 0 {
		p.Experience = 0
	}
	for p.Experience >= p.NextLevelThreshold {
		p.Experience -= p.NextLevelThreshold
		p.Level++
		p.NextLevelThreshold += LevelThresholdStep
	}
	return p
}

func (s *Service) awardExperience(ctx context.Context, userID string, points int) (models.Profile, error) {
	var out models.Profile
	_, err := s.Tree.Transact(ctx, profilePath(userID), func(cur keytree.Snapshot) (any, error) {
		p := models.DefaultProfile()
		if cur.Exists() {
			if err := cur.Decode(&p); err != nil {
				return nil, err
			}
		}
		out = ApplyExperience(p, points)
		return out, nil
	})
	return out, err
}

// Profile returns the caller's gamification counters.
func (s *Service) Profile(ctx context.Context, sess session.Session) (models.Profile, error) {
	if err := checkSession(sess); err != nil {
		return models.Profile{}, err
	}
	snap, err := s.Tree.Get(ctx, profilePath(sess.UserID))
	if err != nil {
		return models.Profile{}, err
	}
	p := models.DefaultProfile()
	if snap.Exists() {
		if err := snap.Decode(&p); err != nil {
			return models.Profile{}, err
		}
	}
	return p, nil
}
