// Package workflow turns YAML workflow templates into DAGs of dependency
// linked jobs: parse, reference validation, topological ordering, child
// submission, step retries and derived workflow status.
package workflow
