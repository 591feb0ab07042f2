// Package config provides configuration loading and validation for the
// transcription service. Files are YAML and are applied on top of Default(),
// so a partial file only needs the keys it changes.
package config
