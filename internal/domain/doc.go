// Package domain holds the core types and interfaces shared across the
// session, routing and delivery layers. It has no dependencies on the
// packages that implement behaviour.
package domain
