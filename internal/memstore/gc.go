package memstore

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Garbage collection runs at process start and every 24 h. The decision
// logic is pure (PlanLearnedGC) so it can be exercised without a gateway;
// Store.RunGC fetches rows, computes the plan, and applies it as SQL.

const (
	learnedStaleAge        = 90 * 24 * time.Hour
	learnedStaleConfidence = 0.8
	learnedActiveCap       = 50
	learnedPurgeAge        = 180 * 24 * time.Hour
	summaryMaxAge          = 30 * 24 * time.Hour
	summaryKeepPerUser     = 5
	historyMaxAge          = 30 * 24 * time.Hour
)

// LearnedGCPlan lists row IDs to deactivate and to delete.
type LearnedGCPlan struct {
	Deactivate []int64
	Delete     []int64
}

// PlanLearnedGC decides which learned-memory rows to deactivate or purge.
// Rules, in order:
//  1. active rows older than 90 days with confidence < 0.8 are deactivated;
//  2. if a user still has more than 50 active rows, the lowest-confidence
//     (oldest first on ties) are deactivated down to the cap;
//  3. rows inactive for more than 180 days are deleted.
//
// The plan is idempotent: applying it and re-planning yields an empty plan.
func PlanLearnedGC(rows []LearnedRow, now time.Time) LearnedGCPlan {
	var plan LearnedGCPlan
	deactivated := map[int64]bool{}

	for _, r := range rows {
		if r.Active && now.Sub(r.CreatedAt) > learnedStaleAge && r.Confidence < learnedStaleConfidence {
			plan.Deactivate = append(plan.Deactivate, r.ID)
			deactivated[r.ID] = true
		}
	}

	byUser := map[string][]LearnedRow{}
	for _, r := range rows {
		if r.Active && !deactivated[r.ID] {
			byUser[r.UserID] = append(byUser[r.UserID], r)
		}
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		active := byUser[u]
		if len(active) <= learnedActiveCap {
			continue
		}
		sort.Slice(active, func(i, j int) bool {
			if active[i].Confidence != active[j].Confidence {
				return active[i].Confidence < active[j].Confidence
			}
			if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
				return active[i].CreatedAt.Before(active[j].CreatedAt)
			}
			return active[i].ID < active[j].ID
		})
		for _, r := range active[:len(active)-learnedActiveCap] {
			plan.Deactivate = append(plan.Deactivate, r.ID)
			deactivated[r.ID] = true
		}
	}

	for _, r := range rows {
		if !r.Active && !r.DeactivatedAt.IsZero() && now.Sub(r.DeactivatedAt) > learnedPurgeAge {
			plan.Delete = append(plan.Delete, r.ID)
		}
	}
	return plan
}

// RunGC applies the learned-memory plan and the retention rules for
// session summaries and chat history. Failures are logged; GC never takes
// the hub down.
func (s *Store) RunGC(ctx context.Context) {
	now := time.Now().UTC()

	rows, err := s.db.Query(ctx,
		"SELECT id, user_id, category, content, source_message, confidence, created_at, active, deactivated_at FROM learned_memory")
	if err != nil {
		s.log.Warn("gc: fetch learned memory failed", zap.Error(err))
	} else {
		plan := PlanLearnedGC(decodeLearned(rows), now)
		for _, id := range plan.Deactivate {
			if err := s.db.Exec(ctx,
				"UPDATE learned_memory SET active = 0, deactivated_at = ? WHERE id = ?",
				now.Format(time.RFC3339), id); err != nil {
				s.log.Warn("gc: deactivate failed", zap.Int64("id", id), zap.Error(err))
			}
		}
		for _, id := range plan.Delete {
			if err := s.db.Exec(ctx, "DELETE FROM learned_memory WHERE id = ?", id); err != nil {
				s.log.Warn("gc: delete failed", zap.Int64("id", id), zap.Error(err))
			}
		}
		if len(plan.Deactivate) > 0 || len(plan.Delete) > 0 {
			s.log.Info("gc: learned memory",
				zap.Int("deactivated", len(plan.Deactivate)),
				zap.Int("deleted", len(plan.Delete)))
		}
	}

	summaryCutoff := now.Add(-summaryMaxAge).Format(time.RFC3339)
	if err := s.db.Exec(ctx, "DELETE FROM session_summaries WHERE created_at < ?", summaryCutoff); err != nil {
		s.log.Warn("gc: summary age purge failed", zap.Error(err))
	}
	if err := s.db.Exec(ctx,
		"DELETE FROM session_summaries WHERE id NOT IN (SELECT id FROM session_summaries s2 WHERE s2.user_id = session_summaries.user_id ORDER BY s2.created_at DESC LIMIT ?)",
		summaryKeepPerUser); err != nil {
		s.log.Warn("gc: summary cap purge failed", zap.Error(err))
	}

	historyCutoff := now.Add(-historyMaxAge).Format(time.RFC3339)
	if err := s.db.Exec(ctx, "DELETE FROM chat_history WHERE timestamp < ?", historyCutoff); err != nil {
		s.log.Warn("gc: chat history purge failed", zap.Error(err))
	}
}

func decodeLearned(rows []map[string]any) []LearnedRow {
	out := make([]LearnedRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, learnedFromRow(r))
	}
	return out
}
