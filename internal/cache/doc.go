// Package cache defines the disk-backed, versioned response store used by the
// offline proxy. A Storage holds one directory per store name (the cache
// version tag); each Store maps a request identity (method + upstream URL) to
// a full response snapshot written through temp file + rename. Entries carry
// no TTL: eviction only happens by deleting a whole store when a newer
// version activates.
package cache
