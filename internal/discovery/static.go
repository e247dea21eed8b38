package discovery

import "context"

// Static is a fixed candidate list for deployments without a directory
// endpoint.
type Static []Node

// Nodes returns the fixed list.
func (s Static) Nodes(context.Context) []Node { return s }

// Masters returns the master-flagged subset.
func (s Static) Masters(context.Context) []Node { return Masters(s) }
