// Package crdtstorage persists replica snapshots. A snapshot holds every
// node of a document, tombstones included, so a replica restored from it
// can keep reconciling operations from any point.
package crdtstorage
