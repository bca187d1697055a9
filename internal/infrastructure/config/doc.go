// Package config handles loading and validating AIoT Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (AIOT_* prefix)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (broker credentials, JWT secret, InfluxDB token)
//     should be set via environment variables, not the config file
//   - The config file should have restricted permissions (0600)
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
