// Package storage persists the deferred publish queue and the audit
// trail. Two backends are available: SQLite (default) and a plain
// file backend for installs that want zero native state.
package storage
