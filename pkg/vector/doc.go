// Package vector implements the Vector Subsystem: per-collection embedding
// storage with a global heap, an unsealed brute-force active buffer, and
// immutable sealed HNSW segments searched with adaptive over-fetch when a
// metadata or temporal filter is present.
package vector
