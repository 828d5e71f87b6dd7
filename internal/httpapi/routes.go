package httpapi

// setupRoutes registers every endpoint from spec.md §6's HTTP surface
// table. Every endpoint here is unauthenticated at this boundary per
// spec.md §1 — a fronting reverse proxy is expected to add auth.
func (a *App) setupRoutes() {
	f := a.fiber

	f.Get("/health", a.healthHandler)

	f.Get("/clusters/list", a.listClustersHandler)
	f.Get("/clusters/health/:name", a.clusterHealthHandler)
	f.Get("/clusters/form/:name", a.formHandler)
	f.Get("/clusters/columns/:name", a.columnsHandler)

	f.Post("/connection/connect", a.connectHandler)
	f.Get("/password/check/:name", a.passwordCheckHandler)
	f.Delete("/password/cache/:name", a.passwordClearHandler)

	f.Get("/entries/stats", a.statsHandler)
	f.Get("/entries/search", a.searchHandler)
	f.Post("/entries/create", a.createHandler)
	f.Put("/entries/update", a.updateHandler)
	f.Delete("/entries/delete", a.deleteHandler)
	f.Get("/entries/groups/all", a.listGroupsHandler)
	f.Get("/entries/user/groups", a.userGroupsGetHandler)
	f.Put("/entries/user/groups", a.userGroupsPutHandler)

	f.Get("/monitoring/nodes", a.monitoringNodesHandler)
	f.Get("/monitoring/topology", a.monitoringTopologyHandler)
	f.Post("/monitoring/test-replication", a.testReplicationHandler)
}
