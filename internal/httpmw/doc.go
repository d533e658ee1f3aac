// Package httpmw implements the stages of the ingress pipeline.
//
// httpserver.NewHandler composes them in a fixed order: security headers,
// Ingress (request State, request id, client identity), the outer error
// boundary, sanitizer, CORS, rate limiter (package ratelimit) and timeout
// guard. The route table then picks one of two branches per route, decided
// when the route is registered:
//
//	webhook: RawBody -> handler -> ErrorBoundary
//	general: AccessLog -> StructuredBody -> handler -> ErrorBoundary
//
// Every stage after Ingress writes through the guarded writer owned by the
// request State, which lets exactly one response reach the client. Stages
// check State.Halted before acting; the timeout guard never preempts a
// handler, it only stops the pipeline and answers 503 on its behalf.
package httpmw
