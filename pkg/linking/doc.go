// Package linking decides what a completed provider login means for the local
// account store.
//
// Policy.Resolve returns one of three decisions:
//
//   - authenticated: the remote identity is linked to a local user
//   - needs_registration: an anonymous visitor with no linked account; the
//     profile carries the prefilled registration data and the serialized token
//   - conflict: the identity already belongs to a different local user
//     ("duplicate-provider-identity")
//
// A visitor who is already logged in never gets needs_registration; the
// identity is linked to their account instead.
//
// Linked identities are kept by an AccountRepository. In-memory, JSON file and
// PostgreSQL implementations are provided.
package linking
