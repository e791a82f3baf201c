package processor

import (
	"context"

	"github.com/coffersTech/logflow/internal/engine"
	"github.com/coffersTech/logflow/internal/model"
)

// LocalStore forwards to a storage engine in the same process.
type LocalStore struct {
	Engine *engine.Store
}

// CreateLog stores entry directly in the engine.
func (s LocalStore) CreateLog(_ context.Context, entry model.ProcessedLog) error {
	_, err := s.Engine.CreateLog(entry)
	return err
}
