package db

import "embed"

// Migrations holds the SQL files applied by `teleconsult-server migrate up`.
//
//go:embed migrations/*.sql
var Migrations embed.FS
