// Package network catalogs the named network namespaces jobs can join.
package network
