// Package cache defines the named, durable request→response caches a site
// worker reconciles and serves from (temp, content and manifest-store). A
// Storage opens caches by name and can drop a whole cache at once; a Cache
// offers match/put/delete/keys keyed by request URL. Two backends exist: a
// disk backend that writes through temp file + rename, and a map-backed
// memory backend. AddAll layers the all-or-nothing bulk fetch-and-store on top
// of any Cache and Fetcher.
package cache
