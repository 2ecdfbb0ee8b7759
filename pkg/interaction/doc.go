// Package interaction drives one login interaction per session and provider.
//
// An interaction moves through three phases:
//
//	INIT --(begin)--> AWAITING_CALLBACK --(valid callback)--> COMPLETED
//
// Begin issues a fresh state token, asks the provider adapter for the
// authorization URL and stores the pending record under a single session key,
// oauth.<provider>.interaction. The callback consumes that key atomically: the
// state must match in constant time and the record must not have expired,
// otherwise a CSRFValidationError is returned before any network call. A
// consumed record cannot be replayed.
//
// Advance is the single entry point used by the HTTP layer:
//
//	outcome, err := orchestrator.Advance(ctx, sessionID, "google",
//	    interaction.RequestFromValues(r.Form))
//	if err != nil {
//	    // CSRFValidationError, ProviderCommunicationError, TokenAudienceError
//	}
//	if outcome.Identity == nil {
//	    http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
//	}
//
// interaction=start or start=true discards the current interaction first.
// Restarting twice leaves the same state as restarting once.
package interaction
