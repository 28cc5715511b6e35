// Package identity provides the normalized mailbox identity used as the key
// for credential lookup, cursor tracking and watch registration.
//
// Mailbox addresses arrive from several sources (push notifications, API
// request bodies, configuration files) with inconsistent casing and
// whitespace. Normalizing once at the boundary removes a whole class of
// lookup bugs; everything downstream works with the normalized form only.
package identity
