// Package oxia implements metadata.MetadataStore on Oxia.
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "autoprune",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Keys under a registry namespace (see keys.ScopeKey) are routed with that
// namespace's prefix as partition key, so a namespace's policies, method
// index and transactions all live on one shard.
//
// Transactions are committed as one shard-scoped write batch with a
// version check on every key. When any check fails the applied writes
// are rolled back and the commit reports metadata.ErrTxnConflict.
//
// Ephemeral keys (enforcement leases) are bound to the client session and
// vanish when it expires.
package oxia
