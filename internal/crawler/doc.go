// Package crawler declares the contracts shared by the crawl engine: the
// fetch and parse collaborators, the state and output sinks, and the storage
// and notification adapters wired in by the application container.
package crawler
