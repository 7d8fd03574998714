// Package config provides configuration loading and validation for the voice turn service.
// It reads YAML over built-in defaults, applies environment overrides and validates every
// section before the service starts.
package config
