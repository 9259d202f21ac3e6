package postgres

import "sagestar/internal/storage"

func init() {
	// registers the multi-table backend factory
	storage.RegisterMulti("postgres", NewMulti)
}

var _ storage.RunRecorder = (*MultiRepo)(nil)
