package database

import "go-dhtring/protocol"

// SeedRecord represents a dataset row in the database.
type SeedRecord struct {
	Dataset  string
	Ordinal  int
	ShardKey string
	Fields   protocol.Record
}
