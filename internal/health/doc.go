// Package health provides composable probes and the liveness/readiness
// handlers served on both listeners.
//
// Probes combine with [All] (AND), [Any] (OR), [Fixed] (static) and
// [WithTimeout]. [ShutdownGate] fails readiness as soon as shutdown begins so
// load balancers stop routing storefront traffic before in-flight requests
// are drained.
package health
