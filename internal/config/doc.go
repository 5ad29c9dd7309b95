// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is how the session token is normally supplied:
//
//	session:
//	  token: ${TEAMCHAT_TOKEN}
package config
