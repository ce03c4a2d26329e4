// Package signingkeys manages the RSA keys that sign access tokens.
//
// Each app has a Manager, held by the resource distributor in the app's
// scope. The newest key signs; every key younger than the update interval
// plus the token validity still verifies. Keys are provisioned lazily and
// exactly once per interval, even when many callers race: SQL backends
// serialize through the transaction retry protocol, NoSQL backends through
// a compare-and-set on the newest key.
package signingkeys
