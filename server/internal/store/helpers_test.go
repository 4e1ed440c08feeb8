package store

import "github.com/obsidianstack/ciwatch/server/internal/config"

func storageCfg(backend, path string) config.StorageConfig {
	return config.StorageConfig{Backend: backend, Path: path}
}
