package node

import (
	"context"
)

// StartBackgroundTasks starts the evaluator and, when configured, the
// development proposer.
func (n *Node) StartBackgroundTasks(ctx context.Context) {
	n.evaluator.Start(ctx)
	if n.producer != nil {
		n.producer.Start(ctx)
	}
}

// Shutdown stops the background tasks and closes the store.
func (n *Node) Shutdown() error {
	if n.producer != nil {
		n.producer.Stop()
	}
	n.evaluator.Stop()
	n.Tree.Close()

	if err := n.Database.Close(); err != nil {
		n.log.Error().Err(err).Msg("failed to close database")
		return err
	}
	n.log.Info().Msg("node stopped")
	return nil
}
