// Package runtime catalogs installed sandbox templates: parsed runtime.yml
// manifests, mount spec validation, and a directory watcher that picks up
// freshly installed trees.
package runtime
