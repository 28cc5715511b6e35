// Package faults defines the error taxonomy shared across the drafting
// pipeline.
//
// Every component wraps its failures around one of the sentinel errors in
// this package so that callers can classify them with errors.Is without
// depending on the component that produced them. The Reason function maps an
// error chain to the low-cardinality tag used in audit records and metrics.
package faults
