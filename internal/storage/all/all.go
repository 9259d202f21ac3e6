// Package all registers every storage backend with the storage registry.
package all

import (
	_ "sagestar/internal/storage/mssql"
	_ "sagestar/internal/storage/postgres"
	_ "sagestar/internal/storage/sqlite"
)
