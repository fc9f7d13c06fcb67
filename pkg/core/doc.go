// Package core provides the domain models and interfaces shared across the
// pipeline: broker jobs, checkpoint entities, price records, schedules,
// events and error types.
//
// This package contains no behavior beyond small pure helpers; the moving
// parts live in pkg/broker, pkg/worker, pkg/scheduler and pkg/pipeline.
package core
