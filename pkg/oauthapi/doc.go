// Package oauthapi exposes the login flow over HTTP.
//
// RegisterRoutes mounts:
//
//	GET    /providers          enabled providers and their init URLs
//	GET    /{provider}         begin, restart or complete a login
//	POST   /{provider}         callback by form post
//	GET    /registration       pending registration profile
//	POST   /registration       link the pending identity to the logged-in user
//	DELETE /registration       cancel the pending registration
//	DELETE /{provider}/link    unlink the current user's identity
//
// RegisterCallbackRoutes mounts each provider's redirect path, such as
// /googleAuth, under the portal container.
package oauthapi
