// Package config provides configuration loading and path management for turnstream.
//
// # Configuration Loading
//
// Load starts from the built-in defaults and decodes each source on top of the
// previous result, in priority order:
//
//  1. Global config (~/.config/turnstream/turnstream.{json,jsonc,yaml,yml})
//  2. Project config (turnstream.* in the directory, then .turnstream/turnstream.*)
//  3. TURNSTREAM_CONFIG file
//  4. TURNSTREAM_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// JSONC files are stripped of comments with tidwall/jsonc; YAML files are decoded
// with gopkg.in/yaml.v3. Durations are written as strings such as "30s".
//
// # Variable Interpolation
//
// Configuration files support two placeholders:
//   - {env:VAR_NAME} expands to the environment variable value
//   - {file:path} expands to the file contents, escaped for a quoted string
//
// Relative {file:} paths resolve against the directory of the config file.
//
//	{
//	  "model": {
//	    "provider": "anthropic",
//	    "apiKey": "{env:ANTHROPIC_API_KEY}",
//	    "system": "{file:./system.txt}"
//	  },
//	  "tools": {"fatal": {"patch": true}}
//	}
//
// # Environment Variable Overrides
//
//   - TURNSTREAM_HOST, TURNSTREAM_PORT
//   - TURNSTREAM_LOG_LEVEL
//   - TURNSTREAM_STORE_DRIVER, TURNSTREAM_STORE_DSN
//   - TURNSTREAM_PROVIDER, TURNSTREAM_MODEL
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, ARK_API_KEY (used when model.apiKey is empty)
package config
