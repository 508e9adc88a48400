//go:build cgo

package store

// The mattn driver registers as "sqlite3" and is only available in cgo builds.
import _ "github.com/mattn/go-sqlite3"
