// Package storage provides the postgres connection pool and the shared
// redis cache client used by the resolution and permission layers.
package storage
