// Package usage provides the domain model for per-request usage metering.
//
// This package is pure: it has no I/O and no goroutines. It is responsible for:
//   - Building immutable usage reports from a completed request
//   - Collecting handler-supplied usage overrides in a per-request tracking context
//   - Estimating token usage from payload size when no override is supplied
//   - Classifying a request (method, path) into a coarse billing operation
//   - Extracting tenant and billing identifiers with a fixed precedence per field
//
// Key Types:
//   - Report: Immutable usage event sent to the billing ingestion service
//   - Tracking: Mutable per-request context owned by a single request
//   - BillingContext: Identifiers resolved for a request
//
// Delivery, batching and retries live in the metering infrastructure package.
package usage
