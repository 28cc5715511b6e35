// Package cmd implements the inboxdraft command line interface: the
// long-running drafting service (serve), a one-shot backlog sweep
// (process), and watch registration (watch).
package cmd
