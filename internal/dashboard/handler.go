package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cashpoint/posync/internal/sync"
)

func newMessage(t MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Timestamp: time.Now().UTC(), Data: raw}, nil
}

// onStatus is the coordinator observer. It runs on the coordinator's
// goroutine, so it only queues work.
func (s *Server) onStatus(st sync.Status) {
	s.publish(MessageTypeSyncStatus, st)

	wasSyncing := s.syncing.Swap(st.IsSyncing)
	if st.IsSyncing || !wasSyncing {
		return
	}
	if st.Error == nil && st.LastSyncAt != nil {
		s.publish(MessageTypeSyncComplete, SyncCompleteData{
			LastSyncAt: st.LastSyncAt,
			Pending:    st.Pending,
			Exhausted:  st.Exhausted,
		})
	}
	s.requestStats()
}

func (s *Server) publish(t MessageType, data any) {
	msg, err := newMessage(t, data)
	if err != nil {
		s.log.Error("failed to marshal message", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	s.Broadcast(msg)
}

func (s *Server) requestStats() {
	select {
	case s.statsRequest <- struct{}{}:
	default:
	}
}

// statsLoop reads outbox counts off the coordinator's goroutine.
func (s *Server) statsLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.statsRequest:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			stats, err := s.queue.Stats(ctx)
			cancel()
			if err != nil {
				s.log.Warn("failed to read outbox stats", slog.String("error", err.Error()))
				continue
			}
			s.publish(MessageTypeOutboxStats, stats)
		}
	}
}
