// Package sparseattn provides sparse and structured attention mechanisms for GoMLX.
//
// It generates attention-pattern masks (local windows, Swin tiles, dilated
// strides, ALiBi decay), compiles dense masks into block-level layouts for
// block-sparse execution, and exposes the resulting attention operators
// through a small config-driven registry.
package sparseattn

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config describes an attention mechanism to build.
// Mechanism-specific fields are available in Raw for custom parsing.
type Config struct {
	// Path to the config file (not from JSON).
	ConfigFile string `json:"-"`

	// Mechanism identifier, e.g. "scaled_dot_product" or "blocksparse".
	Name string `json:"name"`

	// Common dimensions.
	NumHeads int `json:"num_heads"`
	SeqLen   int `json:"seq_len"`
	HeadDim  int `json:"dim_head"`

	// Block-sparse settings.
	BlockSize int `json:"block_size,omitempty"`

	// Pattern used to derive the block layout (empty means full attention).
	Pattern string `json:"pattern,omitempty"`

	// Window size for windowed patterns (local, swin).
	WindowSize int `json:"window_size,omitempty"`

	// Causal restricts attention to previous positions.
	Causal bool `json:"causal,omitempty"`

	// Dropout on the attention coefficients (used during training; the
	// operators built here are inference-only and ignore it).
	Dropout float64 `json:"dropout,omitempty"`

	// The raw JSON for mechanism-specific parsing.
	Raw map[string]interface{} `json:"-"`
}

// ParseConfigFile loads and parses an attention config JSON file.
func ParseConfigFile(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", filePath)
	}

	config, err := ParseConfigContent(content)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", filePath)
	}
	config.ConfigFile = filePath

	return config, nil
}

// ParseConfigContent parses attention config content from bytes.
func ParseConfigContent(content []byte) (*Config, error) {
	config := &Config{}

	// First unmarshal into the struct for common fields.
	if err := json.Unmarshal(content, config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config JSON")
	}

	// Also unmarshal into Raw for mechanism-specific fields.
	if err := json.Unmarshal(content, &config.Raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config JSON to raw map")
	}

	if config.Name == "" {
		return nil, errors.Errorf("attention config is missing the %q field", "name")
	}

	return config, nil
}

// GetString retrieves a string field from Raw config.
func (c *Config) GetString(key string) (string, bool) {
	if v, ok := c.Raw[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// GetInt retrieves an integer field from Raw config.
func (c *Config) GetInt(key string) (int, bool) {
	if v, ok := c.Raw[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
	}
	return 0, false
}

// GetFloat retrieves a float field from Raw config.
func (c *Config) GetFloat(key string) (float64, bool) {
	if v, ok := c.Raw[key]; ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}

// GetBool retrieves a boolean field from Raw config.
func (c *Config) GetBool(key string) (bool, bool) {
	if v, ok := c.Raw[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

// GetStringSlice retrieves a string slice from Raw config.
func (c *Config) GetStringSlice(key string) ([]string, bool) {
	if v, ok := c.Raw[key]; ok {
		if arr, ok := v.([]interface{}); ok {
			result := make([]string, 0, len(arr))
			for _, item := range arr {
				if s, ok := item.(string); ok {
					result = append(result, s)
				}
			}
			return result, true
		}
	}
	return nil, false
}

// NumBlocks returns the number of blocks along one axis of the attention
// matrix, or 0 when no block size is configured.
func (c *Config) NumBlocks() int {
	if c.BlockSize == 0 {
		return 0
	}
	return c.SeqLen / c.BlockSize
}
