// Package api defines the public value types for the runbox session
// manager: session metadata, run requests and results, stage timings,
// and the structured error taxonomy shared by the library surface and
// the HTTP transport.
package api
