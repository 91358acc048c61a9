// Package config provides configuration loading and validation for the chunked
// transcription service. It reads a YAML file, lets the environment override
// API keys, fills defaults and validates each section before use.
package config
