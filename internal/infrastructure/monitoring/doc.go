/*
Package monitoring provides Prometheus metrics collection for the sandbox
provisioning service.

Tracked metrics cover the HTTP surface (latency, throughput), the allocation
pipeline (allocations by outcome, warm-pool claims, capacity rejections,
rollbacks), pool state (running/standby gauges), runtime backend calls, the
control-protocol proxy, and the stale-lease sweeper.

Usage:

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
