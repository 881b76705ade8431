// Package jsondoc implements the JSON document primitive: a tree value per
// document mutated through path-addressed patch sessions and materialized
// into one stored value on commit.
package jsondoc
