package config

import (
	"sync"
)

var (
	serverOnce   sync.Once
	serverConfig *ServerConfig
)

type ServerConfig struct {
	Addr string
}

// GetServerConfig loads the HTTP listener configuration once.
func GetServerConfig() *ServerConfig {
	serverOnce.Do(func() {
		loadEnv()

		serverConfig = &ServerConfig{
			Addr: getEnv("SERVER_ADDR", ":8080"),
		}
	})
	return serverConfig
}
