package messages

import (
	"context"

	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/realtime"
)

func (s *Synchronizer) handleChange(epoch uint64, c realtime.Change) {
	var row models.Message
	if err := c.Decode(&row); err != nil || row.ID == "" {
		s.log.Debug().Err(err).Str("op", string(c.Op)).Msg("ignoring message change")
		return
	}

	s.mu.Lock()
	if epoch != s.epoch || s.hidden[row.ID] {
		s.mu.Unlock()
		return
	}
	bg := s.bgCtx
	s.mu.Unlock()

	switch {
	case c.Op == realtime.OpInsert:
		go s.fetchAndMerge(bg, epoch, row, c.Truncated, true)
	case c.Truncated:
		go s.fetchAndMerge(bg, epoch, row, true, false)
	default:
		s.patch(epoch, row)
	}
}

// fetchAndMerge loads the enriched row and merges it by id. Inserts replace
// the placeholder carrying the same id. Without the fetch an untruncated
// notification row is merged as is.
func (s *Synchronizer) fetchAndMerge(bg context.Context, epoch uint64, row models.Message, truncated, insert bool) {
	ctx, cancel := context.WithTimeout(bg, s.cfg.FetchTimeout)
	defer cancel()

	msg, err := s.msgs.GetMessage(ctx, row.ID)
	if err != nil {
		if bg.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Str("message_id", row.ID).Msg("enrich message failed")
		if truncated {
			s.setError(err)
			return
		}
		msg = row
	}

	s.mu.Lock()
	if epoch != s.epoch || s.hidden[msg.ID] {
		s.mu.Unlock()
		return
	}
	if !insert && indexOf(s.confirmed, msg.ID) < 0 {
		s.mu.Unlock()
		return
	}
	msg.IsOptimistic = false
	var resolved bool
	s.pending, resolved = remove(s.pending, msg.ID)
	s.confirmed = upsert(s.confirmed, msg)
	s.mu.Unlock()

	if resolved {
		observability.IncOptimisticSend("confirmed")
	}
	if insert {
		observability.IncReconciliation("insert")
	} else {
		observability.IncReconciliation("update")
	}
	s.notify()
}

// patch applies an update notification to the loaded copy in place.
func (s *Synchronizer) patch(epoch uint64, row models.Message) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	i := indexOf(s.confirmed, row.ID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	cur := &s.confirmed[i]
	cur.Content = row.Content
	cur.IsDeleted = row.IsDeleted
	cur.MediaURL = row.MediaURL
	cur.Type = row.Type
	s.mu.Unlock()

	observability.IncReconciliation("update")
	s.notify()
}
