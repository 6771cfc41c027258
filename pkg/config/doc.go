// Package config loads caseguard configuration from CASEGUARD_* environment
// variables and validates it before any component starts.
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Token secrets have no defaults. Both must be at least 32 bytes and they
// must differ from each other.
package config
