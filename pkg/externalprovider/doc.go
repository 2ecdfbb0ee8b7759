// Package externalprovider implements the network side of social login:
// provider configuration and one Adapter per identity provider.
//
// # Configuration
//
// Settings are validated once at startup. Missing credentials or the shipped
// placeholder "<<to be replaced>>" fail with a ConfigurationError:
//
//	cfg, err := externalprovider.NewProviderConfig(externalprovider.Settings{
//	    ID:           "google",
//	    ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	}, externalprovider.Deployment{ContainerName: "portal"})
//
// With no redirect URL configured the callback defaults to
// http://localhost:8080/<container>/<provider>Auth. A configured redirect URL
// may contain @@portal.container.name@@, which is substituted.
//
// # Adapters
//
//   - GoogleAdapter: OAuth2 code exchange, tokeninfo audience check, userinfo v2
//   - OAuth2Adapter: any OAuth2 provider described by endpoint options; the
//     "facebook" id ships with Graph API defaults
//   - TwitterAdapter: OAuth1a request token, verifier exchange, verify_credentials
//
// NewAdapter picks the right one from the provider id:
//
//	adapter, err := externalprovider.NewAdapter(cfg,
//	    externalprovider.WithHTTPClient(externalprovider.NewHTTPClient(10*time.Second, 30*time.Second)),
//	    externalprovider.WithCodec(tokencodec.New()),
//	)
//
// Adapters never retry. Authorization codes and OAuth1a verifiers are
// single-use, so a failed call surfaces as a ProviderCommunicationError tagged
// with the provider and the failing stage and the caller restarts the
// interaction.
//
// # Registry
//
// Registry keeps the configured adapters and describes them for login pages:
//
//	registry := externalprovider.NewRegistry("/oauth")
//	registry.Register(adapter, "Google", true)
//	for _, p := range registry.Enabled() {
//	    fmt.Println(p.DisplayName, p.InitURL) // Google /oauth/google?interaction=start
//	}
package externalprovider
