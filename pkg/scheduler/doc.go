// Package scheduler is the admission loop: it watches the queued job
// population, honors schedule times and dependency conditions, reserves
// resources, and drives each admitted job through sandbox build, launch
// and terminal transition under a bounded worker cap.
package scheduler
