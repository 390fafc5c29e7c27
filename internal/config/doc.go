// Package config provides the configuration of the licence registry, the
// installation agent and the admin CLI.
//
// # Configuration Sources
//
// Configuration is assembled from the following sources, later ones winning:
//
//	1. Default() values
//	2. A YAML file (WSL_CONFIG_FILE, config.yaml or configs/config.yaml)
//	3. Environment variables
//
// # Environment Variables
//
// All environment variables follow the pattern WSL_<SECTION>_<KEY>:
//
//	WSL_SERVER_PORT=8080
//	WSL_REGISTRY_STORE_DRIVER=postgres
//	WSL_REGISTRY_DATABASE_URL=postgres://...
//	WSL_REGISTRY_API_TOKENS=build-2024-01,build-2024-02
//	WSL_CLIENT_SERVER_URL=https://licence.example.com
//	WSL_CLIENT_MAX_OFFLINE_DAYS=3
//
// Each binary validates the sections it uses: the registry server calls
// ValidateRegistry and the agent calls ValidateClient.
package config
