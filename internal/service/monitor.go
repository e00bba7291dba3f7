package service

import "time"

// armMonitor schedules the monitoring wakeup for a loop. The wakeup is a
// deferred callback, never a blocking sleep, and an existing timer for the
// same loop is replaced.
func (s *Service) armMonitor(loopID string, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[loopID]; ok {
		t.Stop()
	}
	s.timers[loopID] = time.AfterFunc(period, func() {
		s.mu.Lock()
		delete(s.timers, loopID)
		s.mu.Unlock()
		s.handleMonitorElapsed(loopID)
	})
}

// Shutdown stops all pending monitoring timers. Persisted deadlines are
// re-armed by Recover on the next boot.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
