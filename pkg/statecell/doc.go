// Package statecell implements the StateCell primitive: a single named,
// versioned value per branch with init-once creation, counter-based CAS,
// and a pure-function transition loop.
package statecell
