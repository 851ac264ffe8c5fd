package depman

// CreateServices installs every builder in one call, returning the
// assigned ServiceIDs in the same order.
func CreateServices(m *Manager, builders ...*ServiceBuilder) []ServiceID {
	ids := make([]ServiceID, len(builders))
	for i, b := range builders {
		ids[i] = m.CreateService(b)
	}
	return ids
}
