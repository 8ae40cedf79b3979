// Package metrics provides internal Prometheus metrics collection for the
// reliability executor and the workflow engine. This package is internal
// and should not be imported by external projects.
package metrics
