// Package recovery replays a write-ahead log into a fresh Unified Store on
// startup. See recovery.go for the replay algorithm and its grounding.
package recovery
