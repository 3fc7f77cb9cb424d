package store

// Storage prefixes
const (
	ResourcePrefix = "rs-"
	MetaPrefix     = "mt-"
)

// ResourceBuckets is the number of key buckets resources are spread over.
const ResourceBuckets = 16
