package s2pg

import (
	"fmt"
	"sync"
)

// Summary aggregates the outcome of a batch stage. Item failures are
// isolated: they are counted and kept here instead of aborting the batch.
type Summary struct {
	mu      sync.Mutex
	Done    int
	Skipped int
	Failed  int
	errs    []error
}

func (s *Summary) ok() {
	s.mu.Lock()
	s.Done++
	s.mu.Unlock()
}

func (s *Summary) skip() {
	s.mu.Lock()
	s.Skipped++
	s.mu.Unlock()
}

func (s *Summary) fail(err error) {
	s.mu.Lock()
	s.Failed++
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Errs returns the collected item errors.
func (s *Summary) Errs() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Err returns a non-nil error if any item failed, suitable as the aggregate
// exit status of a stage.
func (s *Summary) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d items failed (first: %v)",
		s.Failed, s.Done+s.Skipped+s.Failed, s.errs[0])
}

func (s *Summary) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d done, %d skipped, %d failed", s.Done, s.Skipped, s.Failed)
}
