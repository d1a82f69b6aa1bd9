package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeConfigFileInvalid = "CONFIG_FILE_INVALID"
	ErrCodeInvalidEngine     = "INVALID_ENGINE"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeMissingConfig     = "MISSING_CONFIG"
	ErrCodeInvalidValue      = "INVALID_VALUE"
)

// ErrConfigFileInvalid returns an error for an unreadable or malformed YAML file.
func ErrConfigFileInvalid(path string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConfigFileInvalid,
		Message: fmt.Sprintf("Cannot read config file %s: %v", path, cause),
		Action:  "Fix the YAML syntax or unset " + EnvConfigFile,
	}
}

// ErrInvalidEngine returns an error for an unknown engine name.
func ErrInvalidEngine(name string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidEngine,
		Message: fmt.Sprintf("Unknown engine %q", name),
		Action:  fmt.Sprintf("Set TXT2IMG_ENGINE to %q or %q", EngineNative, EngineRemote),
	}
}

// ErrInvalidURL returns an error for a malformed endpoint URL.
func ErrInvalidURL(varName, url, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, url, reason),
		Action:  fmt.Sprintf("Set %s to an http(s) URL", varName),
	}
}

// ErrMissingConfig returns an error for missing required configuration.
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrInvalidValue returns an error for an out-of-range setting.
func ErrInvalidValue(varName string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s=%v: %s", varName, value, reason),
	}
}

// IsConfigError checks if an error is or wraps a ConfigError and returns it if so.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
