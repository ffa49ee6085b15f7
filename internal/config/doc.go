// Package config loads btpeerd configuration from YAML with environment
// variable overrides.
//
// Example config.yaml:
//
//	bluetooth:
//	  adapter: hci0
//	  allowed_classes: [phone, audio_video]
//	profile:
//	  enabled: true
//	  role: client
//	  psm: 3
//	session:
//	  write_interval_ms: 1000
//	logging:
//	  level: debug
//	  format: text
//	mqtt:
//	  enabled: true
//	  broker:
//	    host: localhost
//	    port: 1883
package config
