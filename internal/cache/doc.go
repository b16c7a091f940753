// Package cache implements the named cache buckets the offline worker reads
// from. A Store persists entries (status, headers, body) keyed by bucket and
// request key; the disk store writes through temp file + rename, the redis
// store through MULTI/EXEC. Storage and Bucket layer the request-level API on
// top: global Match across buckets in creation order, and AddAll, which
// fetches a whole URL list and commits it only when every fetch succeeded.
package cache
