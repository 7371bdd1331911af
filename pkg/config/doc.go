// Package config defines the control-plane configuration: one flat
// struct with documented defaults, an optional YAML overlay, and
// duration accessors for the second/millisecond-denominated keys.
package config
