package lease

import "fmt"

// UnderConstructionSource lists the files the namespace still records as
// open for writing, with the client name stored on each.
type UnderConstructionSource interface {
	WalkUnderConstruction(fn func(id INodeID, clientName string) error) error
}

// Restore rebuilds leases after a restart. Leases are not persisted; every
// file the namespace marks under construction gets a lease for the client
// recorded on it. It returns the number of files leased.
func (m *Manager) Restore(src UnderConstructionSource) (int, error) {
	restored := 0
	err := src.WalkUnderConstruction(func(id INodeID, clientName string) error {
		if _, err := m.AddLease(clientName, id); err != nil {
			return fmt.Errorf("restore lease on inode %d: %w", id, err)
		}
		restored++
		return nil
	})
	if err != nil {
		return restored, err
	}
	m.logger.Info("leases restored from namespace",
		"files", restored,
		"holders", m.index.Len(),
	)
	return restored, nil
}
