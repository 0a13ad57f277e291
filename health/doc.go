// Package health reports whether the gateway can serve inference requests.
//
// Checkers cover the moving parts of routing: provider circuit breakers,
// dispatch queue saturation and the offline replay backlog. An Aggregator
// runs them concurrently under one deadline and folds the results into the
// worst observed Status.
//
//	agg := health.NewAggregator()
//	agg.Register("providers", health.NewBreakerChecker(router.Breakers()))
//	agg.Register("queue", health.NewQueueChecker(router.QueueStats, health.QueueCheckerConfig{}))
//	agg.Register("backlog", health.NewBacklogChecker(router.Backlog(), health.BacklogCheckerConfig{}))
//
//	r := chi.NewRouter()
//	health.RegisterHandlers(r, agg)
//
// Degraded is still ready: with breakers open or the host offline, requests
// are persisted for replay rather than rejected.
package health
