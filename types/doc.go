// Package types defines the shared value types of the framework:
// the agent invocation contract, token/cost accounting, and the
// unified error taxonomy used by the reliability and workflow layers.
package types
