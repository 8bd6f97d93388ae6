// sso is the single-sign-on core of the keywarden server.  It federates
// login to one configured OpenID Connect provider and bridges the resulting
// identity into keywarden's own session tokens.
//
// The package is organized around a Service which composes the smaller
// pieces:
//
//   - a lazily discovered, process-lifetime provider client (client.go)
//   - a Decoder which validates provider JWTs under a Verified or an
//     Insecure policy, chosen once at startup (decoding.go)
//   - a time and capacity bounded cache of authenticated users keyed by
//     authorization code, so a multi-step login (e.g. one that requires a
//     second factor) never exchanges the same code twice (cache.go)
//   - a replay nonce store which guarantees every authorization attempt is
//     redeemed at most once (nonce.go)
//   - an ErrorCoder which lets provider-side errors travel through the
//     redirect-only callback as an authorization-code-shaped string
//     (errorcode.go)
//
// A typical login walks the Service through AuthorizeURL, ExchangeCode and
// Redeem, then mints session tokens with CreateSessionTokens.  SyncGroups
// optionally reconciles provider group claims with organization membership.
package sso
